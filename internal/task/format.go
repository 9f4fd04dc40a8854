package task

import (
	"fmt"
	"strings"
	"time"
)

// DefaultSweepWidth is the width of the progress animation.
const DefaultSweepWidth = 7

// Sweep builds the progress animation: the bar fills from the left one
// cell per frame, then empties from the left until one cell is left.
// It returns 2*width frames.
func Sweep(blank, fill string, width int) []string {
	if width <= 0 {
		return nil
	}
	cells := make([]string, width)
	for i := range cells {
		cells[i] = blank
	}

	frames := make([]string, 0, 2*width)
	frames = append(frames, strings.Join(cells, ""))
	for i := 0; i < width; i++ {
		cells[i] = fill
		frames = append(frames, strings.Join(cells, ""))
	}
	for i := 0; i < width-1; i++ {
		cells[i] = blank
		frames = append(frames, strings.Join(cells, ""))
	}
	return frames
}

// FormatDuration renders d using the coarsest units that keep it short:
// "12.345s" below a minute, "3m 7s" below an hour, "2h 15m" otherwise.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	if d < time.Minute {
		return fmt.Sprintf("%.3fs", d.Seconds())
	}
	if d < time.Hour {
		mins := int(d / time.Minute)
		secs := int((d % time.Minute) / time.Second)
		return fmt.Sprintf("%dm %ds", mins, secs)
	}
	hours := int(d / time.Hour)
	mins := int((d % time.Hour) / time.Minute)
	return fmt.Sprintf("%dh %dm", hours, mins)
}
