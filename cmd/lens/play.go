package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/lens/internal/engine"
	"github.com/zsiec/lens/internal/libav"
	"github.com/zsiec/lens/internal/player"
)

// progressInterval is how often play logs progress without the TUI.
const progressInterval = 5 * time.Second

// PlayOptions holds the play command's flags.
type PlayOptions struct {
	NoTUI         bool
	Audio         bool
	Realtime      bool
	Start         time.Duration
	SnapshotDir   string
	SnapshotEvery int
}

func newPlayCommand() *cobra.Command {
	opts := &PlayOptions{}

	cmd := &cobra.Command{
		Use:   "play URL",
		Short: "Decode and play an input",
		Long: `Decode and play an input until it ends or q is pressed.

Examples:
  lens play clip.mp4
  lens play rtsp://camera.local/stream
  lens play 'srt://ingest.example.com:9000?streamid=live/cam1'
  lens play 'testsrc://?duration=10s&size=640x360' --no-tui`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlay(cmd.Context(), args[0], opts)
		},
	}

	cmd.Flags().BoolVar(&opts.NoTUI, "no-tui", false, "Log progress instead of showing the status view")
	cmd.Flags().BoolVar(&opts.Audio, "audio", envBool("LENS_AUDIO", true), "Play decoded audio (LENS_AUDIO)")
	cmd.Flags().BoolVar(&opts.Realtime, "realtime", true, "Pace delivery to the stream's timestamps")
	cmd.Flags().DurationVar(&opts.Start, "start", 0, "Seek to this position after opening")
	cmd.Flags().StringVar(&opts.SnapshotDir, "snapshot-dir", envOr("LENS_SNAPSHOT_DIR", ""), "Write PNG snapshots to this directory (LENS_SNAPSHOT_DIR)")
	cmd.Flags().IntVar(&opts.SnapshotEvery, "snapshot-every", envInt("LENS_SNAPSHOT_EVERY", 25), "Snapshot every Nth picture (LENS_SNAPSHOT_EVERY)")

	return cmd
}

func runPlay(ctx context.Context, rawURL string, opts *PlayOptions) error {
	closeLog, err := setupLogging(!opts.NoTUI)
	if err != nil {
		return err
	}
	defer closeLog()
	log := slog.Default()
	libav.Init(log)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	c := newConsumer(log)
	if opts.SnapshotDir != "" {
		c.snap = newSnapshotter(opts.SnapshotDir, opts.SnapshotEvery, log)
		g.Go(func() error { return c.snap.run(ctx) })
	}
	if opts.Audio {
		c.audio = newAudioSink(log)
		g.Go(func() error { return c.audio.run(ctx) })
	}

	p, err := player.New(player.Config{
		Engine: engine.Config{
			Opener:   newOpener(log),
			Decoders: newDecoders(log),
			Observer: c,
			Log:      log,
		},
		Realtime: opts.Realtime,
	})
	if err != nil {
		return err
	}
	p.Play(rawURL)
	if opts.Start > 0 {
		p.Seek(opts.Start)
	}
	done := p.Done()

	var prog *tea.Program
	if !opts.NoTUI {
		m := newModel(p, p.Engine(), c, rawURL)
		m.snap, m.audio = c.snap, c.audio
		prog = tea.NewProgram(m, tea.WithContext(ctx))
		g.Go(func() error {
			defer cancel()
			_, err := prog.Run()
			if err != nil && !errors.Is(err, tea.ErrProgramKilled) {
				return fmt.Errorf("status view: %w", err)
			}
			return nil
		})
	} else {
		g.Go(func() error { return logProgress(ctx, p.Engine(), done, log) })
	}

	g.Go(func() error {
		select {
		case <-done:
		case <-ctx.Done():
		}
		p.Close()
		if prog != nil {
			prog.Send(doneMsg{})
		} else {
			cancel()
		}
		return nil
	})

	err = g.Wait()
	st := p.Engine().Stats()
	log.Info("playback finished",
		"frames", st.Frames,
		"packets", st.Packets,
		"audio_bytes", st.AudioBytes,
		"captions", st.Captions,
		"decode_errors", st.DecodeErrors)
	if err != nil {
		return err
	}
	if c.Failed() {
		return fmt.Errorf("playback failed: %s", p.Engine().LastError())
	}
	return nil
}

// logProgress logs engine counters until playback ends.
func logProgress(ctx context.Context, eng *engine.Engine, done <-chan struct{}, log *slog.Logger) error {
	t := time.NewTicker(progressInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-done:
			return nil
		case <-t.C:
			st := eng.Stats()
			log.Info("progress", "status", eng.Status(), "frames", st.Frames, "packets", st.Packets)
		}
	}
}
