package builtins

import (
	"github.com/fatih/color"
	"github.com/nixpig/jobshell/internal/jobmanager"
)

var statusColors = map[jobmanager.JobStatus][]color.Attribute{
	jobmanager.JobStatusRunning: {color.FgGreen},
	jobmanager.JobStatusStopped: {color.FgYellow, color.Bold},
	jobmanager.JobStatusDone:    {color.FgCyan},
	jobmanager.JobStatusFailed:  {color.FgRed, color.Bold},
}

// StatusFormatter returns a formatter that colours job statuses when enabled
// is set.
func StatusFormatter(enabled bool) jobmanager.StatusFormatter {
	if !enabled {
		return nil
	}

	palette := make(map[jobmanager.JobStatus]*color.Color, len(statusColors))

	for status, attrs := range statusColors {
		c := color.New(attrs...)
		c.EnableColor()
		palette[status] = c
	}

	return func(s jobmanager.JobStatus) string {
		c, ok := palette[s]
		if !ok {
			return s.String()
		}

		return c.Sprint(s.String())
	}
}
