package consumer

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Sink receives complete frames. The frame slice is only valid for the
// duration of the call.
type Sink interface {
	WriteFrame(frame []byte) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(frame []byte) error

// WriteFrame calls f(frame).
func (f SinkFunc) WriteFrame(frame []byte) error { return f(frame) }

// StreamSink writes frames back to back, for piping into a decoder.
type StreamSink struct {
	w io.Writer
}

// NewStreamSink writes frames to w.
func NewStreamSink(w io.Writer) *StreamSink {
	return &StreamSink{w: w}
}

// WriteFrame writes frame to the underlying writer.
func (s *StreamSink) WriteFrame(frame []byte) error {
	_, err := s.w.Write(frame)
	return err
}

// DirSink stores each frame in its own numbered file.
type DirSink struct {
	dir string
	seq int
}

// NewDirSink creates dir if needed.
func NewDirSink(dir string) (*DirSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create frame dir: %w", err)
	}
	return &DirSink{dir: dir}, nil
}

// WriteFrame writes frame to frame-NNNNNN.bin.
func (s *DirSink) WriteFrame(frame []byte) error {
	name := filepath.Join(s.dir, fmt.Sprintf("frame-%06d.bin", s.seq))
	if err := os.WriteFile(name, frame, 0o644); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	s.seq++
	return nil
}
