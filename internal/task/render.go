package task

import (
	"context"
	"log/slog"
	"time"

	"github.com/HakAl/relayview/internal/console"
)

// DefaultRenderInterval is the redraw interval while tasks are active.
const DefaultRenderInterval = 100 * time.Millisecond

// Flusher is implemented by sinks that buffer output.
type Flusher interface {
	Flush() error
}

// RendererConfig configures a Renderer.
type RendererConfig struct {
	Registry *Registry
	Out      console.Writer
	Interval time.Duration
	// Live redraws active tasks in place. When false only completed
	// tasks are printed, which suits non-terminal output.
	Live   bool
	Header string
	Footer string
	Logger *slog.Logger
}

// Renderer periodically drains the registry into its sink.
type Renderer struct {
	reg      *Registry
	out      console.Writer
	interval time.Duration
	live     bool
	header   string
	footer   string
	logger   *slog.Logger

	// lines is the height of the live block drawn by the previous cycle.
	lines int
}

// NewRenderer creates a renderer.
func NewRenderer(cfg RendererConfig) *Renderer {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultRenderInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Renderer{
		reg:      cfg.Registry,
		out:      cfg.Out,
		interval: interval,
		live:     cfg.Live,
		header:   cfg.Header,
		footer:   cfg.Footer,
		logger:   logger,
	}
}

// Run renders until ctx is cancelled, then draws one final cycle and the
// footer. With no active tasks it blocks until a task is started; with
// active tasks it redraws every interval. Starting a task does not cut an
// interval short.
func (r *Renderer) Run(ctx context.Context) {
	if r.header != "" {
		console.WriteColored(r.out, console.Default, r.header)
		r.out.Write("\n")
		r.flush()
	}

	wait := time.Duration(-1)
	for {
		if wait < 0 {
			select {
			case <-ctx.Done():
				r.finish()
				return
			case <-r.reg.Wake():
			}
		} else {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				r.finish()
				return
			case <-timer.C:
			}
		}

		if r.Render() > 0 {
			wait = r.interval
			continue
		}
		// Drop a wake token left by a Start during the last interval, then
		// recheck so a task registered since Render is not missed.
		select {
		case <-r.reg.Wake():
		default:
		}
		if r.reg.Len() > 0 {
			wait = 0
		} else {
			wait = -1
		}
	}
}

// Render runs one cycle: it erases the previous live block, prints the
// completed tasks permanently and redraws the active ones. It returns the
// number of tasks still active.
func (r *Renderer) Render() int {
	if r.live && r.lines > 0 {
		r.out.WriteEsc(console.CursorUp(r.lines))
		r.out.WriteEsc(console.ClearDown)
	}
	r.lines = 0

	for _, t := range r.reg.Drain() {
		if t.WriteTo(r.out) {
			r.out.Write("\n")
		}
	}

	active := r.reg.Active()
	if r.live {
		for _, t := range active {
			if t.WriteTo(r.out) {
				r.out.Write("\n")
				r.lines++
			}
		}
	}

	r.flush()
	return len(active)
}

func (r *Renderer) finish() {
	r.Render()
	if r.footer != "" {
		console.WriteColored(r.out, console.RedBright, r.footer)
		r.out.Write("\n")
	}
	r.flush()
}

func (r *Renderer) flush() {
	f, ok := r.out.(Flusher)
	if !ok {
		return
	}
	if err := f.Flush(); err != nil {
		r.logger.Debug("flushing console", "error", err)
	}
}
