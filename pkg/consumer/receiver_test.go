package consumer

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bft-labs/framerelay/pkg/fragment"
	"github.com/bft-labs/framerelay/pkg/relay"
	"github.com/bft-labs/framerelay/pkg/transport"
)

// frameCollector is a Sink that keeps copies of every frame.
type frameCollector struct {
	mu     sync.Mutex
	frames [][]byte
}

func (c *frameCollector) WriteFrame(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, append([]byte(nil), frame...))
	return nil
}

func (c *frameCollector) all() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.frames...)
}

func directConfig() Config {
	cfg := DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.RelayAddr = ""
	cfg.ReceiveTimeout = 10 * time.Millisecond
	return cfg
}

func startReceiver(t *testing.T, cfg Config, sink Sink, opts ...Option) *Receiver {
	t.Helper()
	r, err := New(cfg, sink, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if !errors.Is(err, context.Canceled) {
				t.Errorf("Run() error = %v, want context.Canceled", err)
			}
		case <-time.After(2 * time.Second):
			t.Error("Run() did not return after cancel")
		}
	})
	return r
}

func listen(t *testing.T) *transport.Conn {
	t.Helper()
	c, err := transport.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func testBlob(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func TestReceiver_ReassemblesOutOfOrder(t *testing.T) {
	sink := &frameCollector{}
	r := startReceiver(t, directConfig(), sink)
	sender := listen(t)

	blob := testBlob(5000)
	frags, err := fragment.Split(blob, 1400, 42)
	if err != nil {
		t.Fatalf("Split() error = %v", err)
	}
	for _, i := range []int{2, 0, 3, 1} {
		if err := sender.Send(r.LocalAddr(), frags[i].Encode()); err != nil {
			t.Fatalf("Send() error = %v", err)
		}
	}

	waitFor(t, "reassembled frame", func() bool { return len(sink.all()) == 1 })
	if got := sink.all()[0]; !bytes.Equal(got, blob) {
		t.Errorf("delivered %d bytes, want the original 5000", len(got))
	}
	if st := r.Stats(); st.Fragments != 4 || st.Frames != 1 {
		t.Errorf("Stats() = %+v, want Fragments=4 Frames=1", st)
	}
}

func TestReceiver_DeliversUnfragmentedVerbatim(t *testing.T) {
	sink := &frameCollector{}
	r := startReceiver(t, directConfig(), sink)
	sender := listen(t)

	sender.Send(r.LocalAddr(), []byte("small frame"))

	waitFor(t, "frame", func() bool { return len(sink.all()) == 1 })
	if got := string(sink.all()[0]); got != "small frame" {
		t.Errorf("delivered %q, want %q", got, "small frame")
	}
}

func TestReceiver_CountsMalformed(t *testing.T) {
	sink := &frameCollector{}
	r := startReceiver(t, directConfig(), sink)
	sender := listen(t)

	bad := fragment.Header{GroupID: 1, Count: 2, Index: 3}.AppendTo(nil)
	sender.Send(r.LocalAddr(), bad)

	waitFor(t, "malformed count", func() bool { return r.Stats().Malformed == 1 })
	if n := len(sink.all()); n != 0 {
		t.Errorf("delivered %d frames, want 0", n)
	}
}

func TestReceiver_EvictsIncompleteGroup(t *testing.T) {
	var clock atomic.Int64
	clock.Store(time.Unix(1000, 0).UnixNano())
	now := func() time.Time { return time.Unix(0, clock.Load()) }

	sink := &frameCollector{}
	r := startReceiver(t, directConfig(), sink, WithClock(now))
	sender := listen(t)

	frags, _ := fragment.Split(testBlob(3000), 1400, 7)
	sender.Send(r.LocalAddr(), frags[0].Encode())
	sender.Send(r.LocalAddr(), frags[1].Encode())
	waitFor(t, "two fragments", func() bool { return r.Stats().Fragments == 2 })

	clock.Add(int64(2 * time.Second))
	waitFor(t, "timeout eviction", func() bool { return r.Stats().EvictedTimeout == 1 })

	// The late last fragment opens a fresh group and does not complete.
	sender.Send(r.LocalAddr(), frags[2].Encode())
	waitFor(t, "late fragment", func() bool { return r.Stats().Fragments == 3 })
	if n := len(sink.all()); n != 0 {
		t.Errorf("delivered %d frames, want 0", n)
	}
}

func TestReceiver_ThroughRelay(t *testing.T) {
	relayCfg := relay.DefaultConfig()
	relayCfg.RegistrationAddr = "127.0.0.1:0"
	relayCfg.IngressAddr = "127.0.0.1:0"
	relayCfg.PollInterval = 20 * time.Millisecond
	srv, err := relay.New(relayCfg)
	if err != nil {
		t.Fatalf("relay.New() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		srv.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-relayDone
	})

	cfg := directConfig()
	cfg.RelayAddr = srv.RegistrationAddr().String()
	cfg.RegisterInterval = 30 * time.Millisecond
	sink := &frameCollector{}
	r := startReceiver(t, cfg, sink)

	waitFor(t, "registration", func() bool { return srv.Stats().Registrations == 1 })

	producer := listen(t)
	blob := testBlob(5000)
	if err := producer.Send(srv.IngressAddr(), blob); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	producer.Send(srv.IngressAddr(), []byte("tail"))

	waitFor(t, "two frames", func() bool { return len(sink.all()) == 2 })
	frames := sink.all()
	if !bytes.Equal(frames[0], blob) {
		t.Errorf("first frame = %d bytes, want the original 5000", len(frames[0]))
	}
	if string(frames[1]) != "tail" {
		t.Errorf("second frame = %q, want tail", frames[1])
	}

	// Periodic re-registration acks are filtered, not delivered.
	waitFor(t, "filtered ack", func() bool { return r.Stats().Acks > 0 })
	for _, f := range sink.all() {
		if string(f) == relay.DefaultAck {
			t.Error("registration ack delivered as a frame")
		}
	}
}

func TestReceiver_ContinuesWithoutAck(t *testing.T) {
	silent := listen(t)

	cfg := directConfig()
	cfg.RelayAddr = silent.LocalAddr().String()
	cfg.Handshake = transport.HandshakeConfig{
		Timeout:        30 * time.Millisecond,
		Retries:        1,
		BackoffInitial: 5 * time.Millisecond,
		BackoffMax:     10 * time.Millisecond,
	}
	sink := &frameCollector{}
	r := startReceiver(t, cfg, sink)
	sender := listen(t)

	waitFor(t, "receive loop", func() bool {
		sender.Send(r.LocalAddr(), []byte("frame"))
		return len(sink.all()) > 0
	})
	if st := r.Stats(); st.Registrations != 0 {
		t.Errorf("Registrations = %d, want 0 without an ack", st.Registrations)
	}
}

func TestNew_RequiresSink(t *testing.T) {
	if _, err := New(directConfig(), nil); err == nil {
		t.Error("New() with nil sink error = nil, want error")
	}
}

func TestDirSink(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "frames")
	sink, err := NewDirSink(dir)
	if err != nil {
		t.Fatalf("NewDirSink() error = %v", err)
	}

	for _, f := range []string{"a", "b"} {
		if err := sink.WriteFrame([]byte(f)); err != nil {
			t.Fatalf("WriteFrame() error = %v", err)
		}
	}

	for name, want := range map[string]string{"frame-000000.bin": "a", "frame-000001.bin": "b"} {
		got, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("ReadFile(%s) error = %v", name, err)
		}
		if string(got) != want {
			t.Errorf("%s = %q, want %q", name, got, want)
		}
	}
}

func TestStreamSink(t *testing.T) {
	var out bytes.Buffer
	sink := NewStreamSink(&out)
	sink.WriteFrame([]byte("ab"))
	sink.WriteFrame([]byte("cd"))

	if out.String() != "abcd" {
		t.Errorf("stream = %q, want abcd", out.String())
	}
}

func TestReceiver_AckFilter(t *testing.T) {
	tests := []struct {
		name       string
		ack        []byte
		wantFrames int
		wantAcks   uint64
	}{
		{"default filters the ack", []byte(relay.DefaultAck), 1, 1},
		{"empty delivers everything", nil, 2, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := directConfig()
			cfg.AckMessage = tt.ack
			sink := &frameCollector{}
			r := startReceiver(t, cfg, sink)
			sender := listen(t)

			sender.Send(r.LocalAddr(), []byte(relay.DefaultAck))
			sender.Send(r.LocalAddr(), []byte("frame"))

			waitFor(t, "frame", func() bool {
				for _, f := range sink.all() {
					if string(f) == "frame" {
						return true
					}
				}
				return false
			})
			if n := len(sink.all()); n != tt.wantFrames {
				t.Errorf("delivered %d frames, want %d", n, tt.wantFrames)
			}
			if got := r.Stats().Acks; got != tt.wantAcks {
				t.Errorf("Acks = %d, want %d", got, tt.wantAcks)
			}
		})
	}
}
