package jobmanager

import (
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"
)

// StatusFormatter renders a job status for display, e.g. with colour. A nil
// StatusFormatter uses JobStatus.String.
type StatusFormatter func(JobStatus) string

func (f StatusFormatter) format(s JobStatus) string {
	if f == nil {
		return s.String()
	}

	return f(s)
}

// Jobs writes one line per active job:
//
//	[id] leaderPid status	command
func (m *Manager) Jobs(w io.Writer, format StatusFormatter) error {
	for _, info := range m.table.List(true) {
		if _, err := fmt.Fprintf(
			w,
			"[%d] %d %s\t%s\n",
			info.ID,
			info.LeaderPID,
			format.format(info.Status),
			info.Command,
		); err != nil {
			return err
		}
	}

	return nil
}

// PS writes a table of jobs with their times and exit codes. Unless
// activeOnly is set, finished background jobs are included and, having been
// reported, removed from the table.
func (m *Manager) PS(w io.Writer, activeOnly bool, format StatusFormatter) error {
	infos := m.table.List(activeOnly)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)

	fmt.Fprintln(tw, "JOB\tPID\tPGID\tSTATUS\tSTARTED\tENDED\tEXIT\tCOMMAND")

	reported := make([]int, 0, len(infos))

	for _, info := range infos {
		fmt.Fprintf(
			tw,
			"%d\t%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			info.ID,
			info.LeaderPID,
			dash(info.PGID, info.PGID == 0),
			format.format(info.Status),
			formatTime(info.StartTime),
			formatTime(info.EndTime),
			dash(info.ExitCode, info.ExitCode < 0),
			info.Command,
		)

		if info.Status.Terminal() {
			reported = append(reported, info.ID)
		}
	}

	if err := tw.Flush(); err != nil {
		return err
	}

	m.table.removeFinished(reported)

	return nil
}

// ReportFinished writes a notice for every finished background job that has
// not been reported yet and removes those jobs from the table. It returns the
// number of jobs reported.
func (m *Manager) ReportFinished(w io.Writer, format StatusFormatter) int {
	infos := m.table.purgeFinished(true)

	for _, info := range infos {
		status := format.format(info.Status)
		if info.ExitCode != 0 {
			status = fmt.Sprintf("%s (%d)", status, info.ExitCode)
		}

		fmt.Fprintf(w, "[%d] %s\t%s\n", info.ID, status, info.Command)
	}

	return len(infos)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}

	return t.Format(time.TimeOnly)
}

func dash(n int, empty bool) string {
	if empty {
		return "-"
	}

	return strconv.Itoa(n)
}
