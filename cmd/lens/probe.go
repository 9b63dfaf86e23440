package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/zsiec/lens/internal/demux"
	"github.com/zsiec/lens/internal/libav"
	"github.com/zsiec/lens/internal/media"
	"github.com/zsiec/lens/internal/source"
)

// ProbeOptions holds the probe command's flags.
type ProbeOptions struct {
	Packets int
	Timeout time.Duration
}

func newProbeCommand() *cobra.Command {
	opts := &ProbeOptions{}

	cmd := &cobra.Command{
		Use:   "probe URL",
		Short: "List the streams of an input",
		Long: `Open an input, list its elementary streams and read a number of packets
to report timing and, for transport streams, demux and transport counters.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			closeLog, err := setupLogging(false)
			if err != nil {
				return err
			}
			defer closeLog()
			return runProbe(cmd.Context(), cmd.OutOrStdout(), args[0], opts, newOpener(slog.Default()))
		},
	}

	cmd.Flags().IntVarP(&opts.Packets, "packets", "n", 200, "Number of packets to read after probing")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 30*time.Second, "Give up after this long")

	return cmd
}

func runProbe(ctx context.Context, out io.Writer, rawURL string, opts *ProbeOptions, opener source.Opener) error {
	libav.Init(slog.Default())
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	c, err := opener.Open(ctx, rawURL, source.DefaultOptions())
	if err != nil {
		return err
	}
	defer c.Close()

	streams, err := c.Probe(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s\n\n", rawURL)
	writeStreams(out, streams)

	counts := make(map[int]int)
	first := make(map[int]time.Duration)
	last := make(map[int]time.Duration)
	keyframes := 0
	for range opts.Packets {
		pkt, err := c.ReadPacket(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if source.IsTemporary(err) && ctx.Err() == nil {
				continue
			}
			return err
		}
		i := pkt.StreamIndex
		if counts[i] == 0 {
			first[i] = pkt.PTS
		}
		counts[i]++
		last[i] = pkt.PTS
		if pkt.Keyframe && kindOf(streams, i) == media.KindVideo {
			keyframes++
		}
		pkt.Release()
	}

	fmt.Fprintln(out)
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STREAM\tPACKETS\tFIRST PTS\tLAST PTS")
	for _, s := range streams {
		if counts[s.Index] == 0 {
			continue
		}
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\n", s.Index, counts[s.Index], first[s.Index], last[s.Index])
	}
	tw.Flush()
	fmt.Fprintf(out, "video keyframes: %d\n", keyframes)

	if dc, ok := c.(*demux.Container); ok {
		st := dc.Stats()
		fmt.Fprintf(out, "demux: %d video, %d audio, %d captions, %d bytes, %d resyncs\n",
			st.VideoPackets, st.AudioPackets, st.Captions, st.Bytes, st.Resyncs)
		if is, ok := dc.IngestStats(); ok {
			fmt.Fprintf(out, "ingest: %d bytes in %d reads", is.BytesReceived, is.ReadCount)
			if is.RemoteAddr != "" {
				fmt.Fprintf(out, " from %s", is.RemoteAddr)
			}
			fmt.Fprintln(out)
		}
	}
	return nil
}

func writeStreams(out io.Writer, streams []media.StreamInfo) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STREAM\tKIND\tCODEC\tDETAILS")
	for _, s := range streams {
		var details string
		switch s.Kind {
		case media.KindVideo:
			details = fmt.Sprintf("%dx%d", s.Width, s.Height)
			if r := s.AvgFrameRate.Float(); r > 0 {
				details += fmt.Sprintf(" %.3f fps", r)
			} else if r := s.RealFrameRate.Float(); r > 0 {
				details += fmt.Sprintf(" ~%.3f fps", r)
			}
		case media.KindAudio:
			details = fmt.Sprintf("%d Hz, %d ch", s.SampleRate, s.Channels)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", s.Index, s.Kind, s.Codec, details)
	}
	tw.Flush()
}

func kindOf(streams []media.StreamInfo, index int) media.Kind {
	for _, s := range streams {
		if s.Index == index {
			return s.Kind
		}
	}
	return media.KindUnknown
}
