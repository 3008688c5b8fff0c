package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Source yields encoded frames. Next blocks until a frame is available and
// returns io.EOF when the source is exhausted.
type Source interface {
	Next(ctx context.Context) ([]byte, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) ([]byte, error)

// Next calls f(ctx).
func (f SourceFunc) Next(ctx context.Context) ([]byte, error) { return f(ctx) }

// DirSource replays the regular files of a directory, one file per frame, in
// name order at a fixed rate.
type DirSource struct {
	files    []string
	interval time.Duration
	loop     bool

	pos  int
	next time.Time
}

// NewDirSource lists dir once. interval of zero replays as fast as the
// sender pulls; loop restarts from the first file after the last one.
func NewDirSource(dir string, interval time.Duration, loop bool) (*DirSource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read frame dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("frame dir %s has no files", dir)
	}
	sort.Strings(files)

	return &DirSource{files: files, interval: interval, loop: loop}, nil
}

// Next returns the contents of the next file once its slot comes up.
func (s *DirSource) Next(ctx context.Context) ([]byte, error) {
	if s.pos >= len(s.files) {
		if !s.loop {
			return nil, io.EOF
		}
		s.pos = 0
	}

	if s.interval > 0 {
		if wait := time.Until(s.next); wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, ctx.Err()
			case <-t.C:
			}
		}
		s.next = time.Now().Add(s.interval)
	}

	b, err := os.ReadFile(s.files[s.pos])
	s.pos++
	if err != nil {
		return nil, fmt.Errorf("read frame: %w", err)
	}
	return b, nil
}

// ReaderSource cuts a byte stream, such as an encoder writing to stdin, into
// chunks of at most chunkSize bytes. Each chunk is sent as one frame; the
// receiving decoder re-synchronizes on the concatenated stream.
//
// Reads happen on a dedicated goroutine so Next can return when ctx is done
// even while the reader is blocked.
type ReaderSource struct {
	r         io.Reader
	chunkSize int

	start     sync.Once
	chunks    chan []byte
	err       error // set before chunks is closed
	done      chan struct{}
	closeOnce sync.Once
}

// NewReaderSource reads from r in chunks of at most chunkSize bytes.
func NewReaderSource(r io.Reader, chunkSize int) *ReaderSource {
	return &ReaderSource{
		r:         r,
		chunkSize: chunkSize,
		chunks:    make(chan []byte),
		done:      make(chan struct{}),
	}
}

// Next returns the next chunk, or ctx.Err() once ctx is done.
func (s *ReaderSource) Next(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.start.Do(func() { go s.read() })

	select {
	case b, ok := <-s.chunks:
		if !ok {
			return nil, s.err
		}
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the read goroutine and closes the reader if it is an io.Closer,
// which unblocks a pending Read on pipes.
func (s *ReaderSource) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		if c, ok := s.r.(io.Closer); ok {
			err = c.Close()
		}
	})
	return err
}

func (s *ReaderSource) read() {
	defer close(s.chunks)
	for {
		buf := make([]byte, s.chunkSize)
		n, err := s.r.Read(buf)
		if n > 0 {
			select {
			case s.chunks <- buf[:n]:
			case <-s.done:
				s.err = io.ErrClosedPipe
				return
			}
		}
		if err != nil {
			s.err = err
			return
		}
	}
}
