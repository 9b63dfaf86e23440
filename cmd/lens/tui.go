package main

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/zsiec/lens/internal/engine"
)

const (
	refreshInterval = 250 * time.Millisecond
	seekStep        = 10 * time.Second
)

// controller is the subset of player.Player the view drives.
type controller interface {
	Pause()
	Resume()
	Seek(pos time.Duration)
	Stop()
}

// engineView is the subset of engine.Engine the view reads.
type engineView interface {
	Status() engine.Status
	Info() engine.Info
	Stats() engine.Stats
	LastError() string
}

type tickMsg time.Time

// doneMsg tells the view that playback has ended.
type doneMsg struct{}

// model is the bubbletea status view. It polls the engine and consumer on
// a timer rather than receiving a message per frame.
type model struct {
	ctl   controller
	eng   engineView
	c     *consumer
	snap  *snapshotter
	audio *audioSink
	url   string

	status   engine.Status
	info     engine.Info
	stats    engine.Stats
	position time.Duration
	caption  string
	lastErr  string

	fps        float64
	lastFrames int64
	lastTick   time.Time
}

func newModel(ctl controller, eng engineView, c *consumer, url string) model {
	return model{ctl: ctl, eng: eng, c: c, url: url}
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Init implements tea.Model.
func (m model) Init() tea.Cmd {
	return tick()
}

// Update implements tea.Model.
func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)
	case tickMsg:
		m.refresh(time.Time(msg))
		return m, tick()
	case doneMsg:
		m.refresh(time.Now())
		return m, tea.Quit
	}
	return m, nil
}

func (m *model) refresh(now time.Time) {
	m.status = m.eng.Status()
	m.info = m.eng.Info()
	m.stats = m.eng.Stats()
	m.position = m.c.Position()
	m.caption = m.c.LastCaption()
	m.lastErr = m.eng.LastError()
	if m.lastErr == "" {
		m.lastErr = m.c.LastError()
	}
	if !m.lastTick.IsZero() {
		if dt := now.Sub(m.lastTick).Seconds(); dt > 0 {
			m.fps = float64(m.stats.Frames-m.lastFrames) / dt
		}
	}
	m.lastFrames, m.lastTick = m.stats.Frames, now
}

func (m model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc", "ctrl+c":
		m.ctl.Stop()
		return m, tea.Quit
	case " ", "p":
		if m.status == engine.StatusPaused {
			m.ctl.Resume()
			m.status = engine.StatusPlaying
		} else {
			m.ctl.Pause()
			m.status = engine.StatusPaused
		}
	case "left":
		m.ctl.Seek(max(0, m.position-seekStep))
	case "right":
		m.ctl.Seek(m.position + seekStep)
	case "home", "0":
		m.ctl.Seek(0)
	}
	return m, nil
}

// View implements tea.Model.
func (m model) View() string {
	var b strings.Builder
	fmt.Fprintf(&b, "lens %s\n", m.url)
	fmt.Fprintf(&b, "  status    %s\n", m.status)
	if m.info.VideoCodec != "" {
		fmt.Fprintf(&b, "  video     %s %dx%d @ %.2f fps (stream %d)\n",
			m.info.VideoCodec, m.info.VideoWidth, m.info.VideoHeight, m.info.FrameRate, m.info.VideoStreamIndex)
	}
	if m.info.HasAudio {
		fmt.Fprintf(&b, "  audio     %s %d Hz x%d (stream %d)\n",
			m.info.AudioCodec, m.info.AudioSampleRate, m.info.AudioChannels, m.info.AudioStreamIndex)
	}
	fmt.Fprintf(&b, "  position  %s\n", m.position.Truncate(100*time.Millisecond))
	fmt.Fprintf(&b, "  frames    %d (%.1f/s)  packets %d  decode errors %d\n",
		m.stats.Frames, m.fps, m.stats.Packets, m.stats.DecodeErrors)
	if m.audio != nil {
		fmt.Fprintf(&b, "  pcm       %d bytes played, %d blocks dropped\n", m.audio.played.Load(), m.audio.dropped.Load())
	}
	if m.snap != nil {
		fmt.Fprintf(&b, "  snapshots %d in %s\n", m.snap.Written(), m.snap.dir)
	}
	if m.caption != "" {
		fmt.Fprintf(&b, "  caption   %s\n", m.caption)
	}
	if m.lastErr != "" {
		fmt.Fprintf(&b, "  error     %s\n", m.lastErr)
	}
	b.WriteString("\n  space: pause/resume  ←/→: seek 10s  0: restart  q: quit\n")
	return b.String()
}
