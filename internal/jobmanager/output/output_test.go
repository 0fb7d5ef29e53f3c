package output_test

import (
	"bytes"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nixpig/jobshell/internal/jobmanager/output"
)

type failingWriter struct{}

func (failingWriter) Write(p []byte) (int, error) {
	return 0, errors.New("write failed")
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.buf.String()
}

func waitDone(t *testing.T, s *output.Streamer) {
	t.Helper()

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("expected streamer to finish")
	}
}

func TestOutputStreamer(t *testing.T) {
	t.Parallel()

	t.Run("Test basic scenarios", func(t *testing.T) {
		t.Parallel()

		scenarios := map[string]struct {
			payload []byte
		}{
			"Short data": {payload: []byte("Hello, world!")},
			"Empty data": {payload: []byte("")},
			// Larger than a single read
			"Large data": {payload: bytes.Repeat([]byte("x"), 1024*1024)},
		}

		for scenario, config := range scenarios {
			t.Run(scenario, func(t *testing.T) {
				t.Parallel()

				var dest bytes.Buffer

				s := output.NewStreamer(
					io.NopCloser(bytes.NewReader(config.payload)),
					&dest,
				)

				if err := s.Wait(); err != nil {
					t.Errorf("expected wait not to return error: got '%v'", err)
				}

				if !bytes.Equal(dest.Bytes(), config.payload) {
					t.Errorf(
						"expected stream data to match: got '%d' bytes, want '%d'",
						dest.Len(),
						len(config.payload),
					)
				}

				if s.Written() != int64(len(config.payload)) {
					t.Errorf(
						"expected written: got '%d', want '%d'",
						s.Written(),
						len(config.payload),
					)
				}
			})
		}
	})

	t.Run("Test os pipe drains while writer is open", func(t *testing.T) {
		t.Parallel()

		pr, pw, err := os.Pipe()
		if err != nil {
			t.Fatalf("expected pipe not to return error: got '%v'", err)
		}

		dest := &lockedBuffer{}
		s := output.NewStreamer(pr, dest)

		// More than a pipe buffer holds, so a non-draining reader would block
		// this write forever.
		payload := bytes.Repeat([]byte("y"), 256*1024)

		if _, err := pw.Write(payload); err != nil {
			t.Fatalf("expected write not to return error: got '%v'", err)
		}

		select {
		case <-s.Done():
			t.Errorf("expected streamer not to finish while writer is open")
		default:
		}

		pw.Close()
		waitDone(t, s)

		if dest.String() != string(payload) {
			t.Errorf("expected stream data to match: got '%d' bytes", len(dest.String()))
		}
	})

	t.Run("Test concurrent writes", func(t *testing.T) {
		t.Parallel()

		writes := 1000
		payload := []byte("Hello, world!")

		wantData := strings.Repeat(string(payload), writes)

		pr, pw := io.Pipe()

		dest := &lockedBuffer{}
		s := output.NewStreamer(pr, dest)

		var wg sync.WaitGroup

		for range writes {
			wg.Go(func() {
				pw.Write(payload)
			})
		}

		wg.Wait()
		pw.Close()
		waitDone(t, s)

		if dest.String() != wantData {
			t.Errorf(
				"expected stream data to match: got '%d' bytes, want '%d'",
				len(dest.String()),
				len(wantData),
			)
		}
	})

	t.Run("Test failed write keeps draining", func(t *testing.T) {
		t.Parallel()

		pr, pw := io.Pipe()

		s := output.NewStreamer(pr, failingWriter{})

		payload := bytes.Repeat([]byte("z"), 64*1024)

		go func() {
			pw.Write(payload)
			pw.Close()
		}()

		err := s.Wait()
		if err == nil {
			t.Errorf("expected wait to return write error")
		}

		if s.Written() != int64(len(payload)) {
			t.Errorf(
				"expected written: got '%d', want '%d'",
				s.Written(),
				len(payload),
			)
		}
	})

	t.Run("Test nil destination discards", func(t *testing.T) {
		t.Parallel()

		s := output.NewStreamer(
			io.NopCloser(strings.NewReader("Hello, world!")),
			nil,
		)

		if err := s.Wait(); err != nil {
			t.Errorf("expected wait not to return error: got '%v'", err)
		}
	})
}
