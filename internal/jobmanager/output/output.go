// Package output drains captured process output. A Streamer copies a pipe to
// a destination as data arrives so the writing process never blocks on a
// full pipe buffer while the shell waits for it.
package output

import (
	"errors"
	"io"
	"os"
	"sync"
	"sync/atomic"
)

// readBufferSize is the temporary buffer size for reading from source pipe.
// 4KB aligns with typical pipe buffer sizes.
const readBufferSize = 4096

// Streamer is responsible for processing job output by reading from a source
// io.ReadCloser and writing it to a destination until the source reaches EOF.
type Streamer struct {
	dest    io.Writer
	written atomic.Int64

	done chan struct{}
	mu   sync.Mutex
	err  error
}

// NewStreamer creates a Streamer that reads from source and immediately begins
// copying to dest. It continues processing until it receives an io.EOF error
// from source, i.e. every write end of the pipe has been closed.
func NewStreamer(source io.ReadCloser, dest io.Writer) *Streamer {
	if dest == nil {
		dest = io.Discard
	}

	s := &Streamer{
		dest: dest,
		done: make(chan struct{}),
	}

	go s.processOutput(source)

	return s
}

func (s *Streamer) processOutput(source io.ReadCloser) {
	defer func() {
		source.Close()
		close(s.done)
	}()

	buffer := make([]byte, readBufferSize)

	for {
		n, err := source.Read(buffer)
		if n > 0 {
			if _, werr := s.dest.Write(buffer[:n]); werr != nil {
				// NOTE: Keep reading after a failed write so the producer sees EOF
				// on its side instead of blocking forever on a full pipe.
				s.setErr(werr)
				s.dest = io.Discard
			}

			s.written.Add(int64(n))
		}

		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				s.setErr(err)
			}

			return
		}
	}
}

func (s *Streamer) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err == nil {
		s.err = err
	}
}

// Done returns a channel that is closed when processing has finished, i.e. the
// source io.ReadCloser has reached EOF.
func (s *Streamer) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until processing has finished and returns the first read or
// write error encountered, if any.
func (s *Streamer) Wait() error {
	<-s.done

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.err
}

// Written returns the number of bytes read from the source so far.
func (s *Streamer) Written() int64 {
	return s.written.Load()
}
