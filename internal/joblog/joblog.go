// Package joblog keeps a durable record of finished jobs as newline
// delimited JSON.
package joblog

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nixpig/jobshell/internal/jobmanager"
	"github.com/spf13/afero"
)

// Entry is one finished job.
type Entry struct {
	SessionID  string    `json:"session_id"`
	JobID      int       `json:"job_id"`
	LeaderPID  int       `json:"leader_pid"`
	PGID       int       `json:"pgid,omitempty"`
	Command    string    `json:"command"`
	Status     string    `json:"status"`
	Background bool      `json:"background"`
	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time"`
	ExitCode   int       `json:"exit_code"`
}

// Log appends entries for one shell session. It is safe for concurrent use.
type Log struct {
	mu        sync.Mutex
	w         io.Writer
	closer    io.Closer
	sessionID string
	now       func() time.Time
}

// NewJSONLinesLog creates a Log writing to w with a fresh session id.
func NewJSONLinesLog(w io.Writer) *Log {
	return &Log{
		w:         w,
		sessionID: uuid.NewString(),
		now:       time.Now,
	}
}

// Open opens the log file at path in append only mode, creating it and its
// parent directory if needed.
func Open(fsys afero.Fs, path string) (*Log, error) {
	if err := fsys.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create job log directory: %w", err)
	}

	f, err := fsys.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("open job log: %w", err)
	}

	l := NewJSONLinesLog(f)
	l.closer = f

	return l, nil
}

// SessionID returns the id stamped on every entry written by l.
func (l *Log) SessionID() string {
	return l.sessionID
}

// Record appends info to the log.
func (l *Log) Record(info jobmanager.JobInfo) error {
	end := info.EndTime
	if end.IsZero() {
		end = l.now()
	}

	entry, err := json.Marshal(Entry{
		SessionID:  l.sessionID,
		JobID:      info.ID,
		LeaderPID:  info.LeaderPID,
		PGID:       info.PGID,
		Command:    info.Command,
		Status:     info.Status.String(),
		Background: info.Background,
		StartTime:  info.StartTime,
		EndTime:    end,
		ExitCode:   info.ExitCode,
	})
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.w == nil {
		return os.ErrClosed
	}

	_, err = fmt.Fprintln(l.w, string(entry))

	return err
}

// Close closes the underlying file, if l opened one.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.w = nil

	if l.closer == nil {
		return nil
	}

	c := l.closer
	l.closer = nil

	return c.Close()
}

// ReadJSONLines parses a newline delimited JSON log, calling handler for each
// entry in order.
func ReadJSONLines(r io.Reader, handler func(Entry)) error {
	decoder := json.NewDecoder(r)

	for decoder.More() {
		var entry Entry
		if err := decoder.Decode(&entry); err != nil {
			return err
		}

		handler(entry)
	}

	return nil
}

// Read returns every entry of the log file at path. A missing file is an
// empty log.
func Read(fsys afero.Fs, path string) ([]Entry, error) {
	f, err := fsys.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("open job log: %w", err)
	}
	defer f.Close()

	var entries []Entry

	if err := ReadJSONLines(f, func(e Entry) {
		entries = append(entries, e)
	}); err != nil {
		return entries, fmt.Errorf("read job log: %w", err)
	}

	return entries, nil
}
