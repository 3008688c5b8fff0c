package reassembly

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/bft-labs/framerelay/pkg/fragment"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

// evictionRecorder records eviction events.
type evictionRecorder struct {
	events []Eviction
}

func (r *evictionRecorder) OnEvict(ev Eviction) {
	r.events = append(r.events, ev)
}

func blob(n int, seed int64) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(b)
	return b
}

func mustSplit(t *testing.T, b []byte, chunk int, group uint32) []fragment.Fragment {
	t.Helper()
	frags, err := fragment.Split(b, chunk, group)
	if err != nil {
		t.Fatalf("Split() error = %v", err)
	}
	return frags
}

// feed adds every fragment and returns the completed frames.
func feed(t *testing.T, buf *Buffer, frags []fragment.Fragment) [][]byte {
	t.Helper()
	var out [][]byte
	for _, f := range frags {
		got, err := buf.Add(f)
		if err != nil {
			t.Fatalf("Add(%s) error = %v", f.Header, err)
		}
		if got != nil {
			out = append(out, got)
		}
	}
	return out
}

func TestBuffer_InOrder(t *testing.T) {
	buf := New(DefaultConfig())
	want := blob(5000, 1)

	done := feed(t, buf, mustSplit(t, want, 1400, 1))

	if len(done) != 1 {
		t.Fatalf("completions = %d, want 1", len(done))
	}
	if !bytes.Equal(done[0], want) {
		t.Error("assembled frame differs from original")
	}
	if buf.Len() != 0 || buf.BufferedBytes() != 0 {
		t.Errorf("Len() = %d, BufferedBytes() = %d after completion, want 0, 0", buf.Len(), buf.BufferedBytes())
	}
}

func TestBuffer_OutOfOrder(t *testing.T) {
	want := blob(10*1400+3, 2)
	frags := mustSplit(t, want, 1400, 42)

	r := rand.New(rand.NewSource(99))
	for trial := 0; trial < 20; trial++ {
		perm := make([]fragment.Fragment, len(frags))
		for i, j := range r.Perm(len(frags)) {
			perm[i] = frags[j]
		}

		buf := New(DefaultConfig())
		done := feed(t, buf, perm)
		if len(done) != 1 {
			t.Fatalf("trial %d: completions = %d, want 1", trial, len(done))
		}
		if !bytes.Equal(done[0], want) {
			t.Fatalf("trial %d: assembled frame differs from original", trial)
		}
	}
}

func TestBuffer_DuplicatesIgnored(t *testing.T) {
	buf := New(DefaultConfig())
	want := blob(3000, 3)
	frags := mustSplit(t, want, 1000, 5)

	withDups := []fragment.Fragment{frags[0], frags[0], frags[2], frags[0], frags[1], frags[1], frags[2]}
	done := feed(t, buf, withDups)

	if len(done) != 1 {
		t.Fatalf("completions = %d, want 1", len(done))
	}
	if !bytes.Equal(done[0], want) {
		t.Error("assembled frame differs from original")
	}
	if got := buf.Stats().Duplicates; got != 4 {
		t.Errorf("Duplicates = %d, want 4", got)
	}
}

func TestBuffer_DuplicateAfterCompletion(t *testing.T) {
	buf := New(DefaultConfig())

	single := mustSplit(t, []byte("tiny"), 1400, 8)
	if done := feed(t, buf, single); len(done) != 1 {
		t.Fatalf("completions = %d, want 1", len(done))
	}
	if done := feed(t, buf, single); len(done) != 0 {
		t.Errorf("re-delivered single fragment completed again")
	}
	if buf.Len() != 0 {
		t.Errorf("Len() = %d, want 0", buf.Len())
	}
}

func TestBuffer_PayloadCopied(t *testing.T) {
	buf := New(DefaultConfig())
	wire := fragment.Fragment{
		Header:  fragment.Header{GroupID: 1, Count: 2, Index: 1},
		Payload: []byte("abc"),
	}.Encode()

	f, err := fragment.Parse(wire)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if _, err := buf.Add(f); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	copy(wire[fragment.HeaderSize:], "xyz")

	got, err := buf.Add(fragment.Fragment{
		Header:  fragment.Header{GroupID: 1, Count: 2, Index: 2},
		Payload: []byte("def"),
	})
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if string(got) != "abcdef" {
		t.Errorf("assembled = %q, want %q", got, "abcdef")
	}
}

func TestBuffer_Malformed(t *testing.T) {
	tests := []struct {
		name string
		h    fragment.Header
	}{
		{"index zero", fragment.Header{GroupID: 1, Count: 3, Index: 0}},
		{"index past count", fragment.Header{GroupID: 1, Count: 3, Index: 4}},
		{"zero count", fragment.Header{GroupID: 1, Count: 0, Index: 1}},
		{"inconsistent count", fragment.Header{GroupID: 1, Count: 5, Index: 2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := New(DefaultConfig())
			first := fragment.Fragment{Header: fragment.Header{GroupID: 1, Count: 3, Index: 1}, Payload: []byte("a")}
			other := fragment.Fragment{Header: fragment.Header{GroupID: 2, Count: 2, Index: 1}, Payload: []byte("b")}
			feed(t, buf, []fragment.Fragment{first, other})

			_, err := buf.Add(fragment.Fragment{Header: tt.h, Payload: []byte("zz")})
			if !errors.Is(err, ErrMalformedFragment) {
				t.Fatalf("Add() error = %v, want ErrMalformedFragment", err)
			}
			if buf.Len() != 2 {
				t.Errorf("Len() = %d, want 2 (other groups untouched)", buf.Len())
			}
			if buf.BufferedBytes() != 2 {
				t.Errorf("BufferedBytes() = %d, want 2", buf.BufferedBytes())
			}
		})
	}
}

func TestBuffer_OverflowEvictsOldest(t *testing.T) {
	rec := &evictionRecorder{}
	buf := New(Config{Timeout: time.Minute, MaxBufferedBytes: 2500}, WithEventHandler(rec))

	// Three incomplete groups of 1000 buffered bytes each.
	for g := uint32(1); g <= 3; g++ {
		frags := mustSplit(t, blob(3000, int64(g)), 1000, g)
		feed(t, buf, frags[:1])
	}

	if len(rec.events) != 1 {
		t.Fatalf("evictions = %d, want 1", len(rec.events))
	}
	ev := rec.events[0]
	if ev.GroupID != 1 {
		t.Errorf("evicted group = %d, want 1 (oldest)", ev.GroupID)
	}
	if !errors.Is(ev.Reason, ErrReassemblyOverflow) {
		t.Errorf("Reason = %v, want ErrReassemblyOverflow", ev.Reason)
	}
	if buf.BufferedBytes() > 2500 {
		t.Errorf("BufferedBytes() = %d, exceeds ceiling", buf.BufferedBytes())
	}
	if buf.Len() != 2 {
		t.Errorf("Len() = %d, want 2", buf.Len())
	}
	if got := buf.Stats().EvictedOverflow; got != 1 {
		t.Errorf("EvictedOverflow = %d, want 1", got)
	}
}

func TestBuffer_OverflowNeverGrowsUnbounded(t *testing.T) {
	buf := New(Config{MaxBufferedBytes: 10_000})

	for g := uint32(0); g < 500; g++ {
		frags := mustSplit(t, blob(4000, int64(g)), 1000, g)
		feed(t, buf, frags[:3])
		if buf.BufferedBytes() > 10_000 {
			t.Fatalf("group %d: BufferedBytes() = %d, exceeds ceiling", g, buf.BufferedBytes())
		}
	}
}

func TestBuffer_TimeoutEviction(t *testing.T) {
	clock := newFakeClock()
	rec := &evictionRecorder{}
	buf := New(Config{Timeout: 500 * time.Millisecond, MaxBufferedBytes: 1 << 20},
		WithClock(clock.Now), WithEventHandler(rec))

	frags := mustSplit(t, blob(3000, 4), 1000, 77)
	feed(t, buf, frags[:2])

	clock.Advance(499 * time.Millisecond)
	if n := buf.Sweep(); n != 0 {
		t.Fatalf("Sweep() before timeout evicted %d groups", n)
	}

	clock.Advance(time.Millisecond)
	if n := buf.Sweep(); n != 1 {
		t.Fatalf("Sweep() = %d, want 1", n)
	}
	if len(rec.events) != 1 || !errors.Is(rec.events[0].Reason, ErrReassemblyTimeout) {
		t.Fatalf("events = %+v, want one timeout eviction", rec.events)
	}
	if rec.events[0].Received != 2 {
		t.Errorf("Received = %d, want 2", rec.events[0].Received)
	}

	// The late fragment starts a fresh entry rather than completing the old one.
	got, err := buf.Add(frags[2])
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if got != nil {
		t.Fatal("late fragment completed an evicted group")
	}
	if buf.Len() != 1 || buf.BufferedBytes() != 1000 {
		t.Errorf("Len() = %d, BufferedBytes() = %d, want 1, 1000", buf.Len(), buf.BufferedBytes())
	}
}

func TestBuffer_TimeoutOnArrival(t *testing.T) {
	clock := newFakeClock()
	rec := &evictionRecorder{}
	buf := New(Config{Timeout: time.Second}, WithClock(clock.Now), WithEventHandler(rec))

	frags := mustSplit(t, blob(2000, 5), 1000, 3)
	feed(t, buf, frags[:1])

	clock.Advance(2 * time.Second)
	got, err := buf.Add(frags[1])
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if got != nil {
		t.Error("fragment completed a group that should have expired")
	}
	if len(rec.events) != 1 {
		t.Errorf("evictions = %d, want 1", len(rec.events))
	}
}

func TestBuffer_ActivityKeepsGroupAlive(t *testing.T) {
	clock := newFakeClock()
	buf := New(Config{Timeout: time.Second}, WithClock(clock.Now))

	want := blob(4000, 6)
	frags := mustSplit(t, want, 1000, 11)

	var done [][]byte
	for _, f := range frags {
		clock.Advance(900 * time.Millisecond)
		buf.Sweep()
		done = append(done, feed(t, buf, []fragment.Fragment{f})...)
	}

	if len(done) != 1 || !bytes.Equal(done[0], want) {
		t.Fatal("group with steady arrivals did not complete")
	}
}

func TestBuffer_InterleavedGroups(t *testing.T) {
	buf := New(DefaultConfig())
	a := blob(2500, 7)
	b := blob(1800, 8)
	fa := mustSplit(t, a, 1000, 1)
	fb := mustSplit(t, b, 1000, 2)

	done := feed(t, buf, []fragment.Fragment{fa[0], fb[1], fa[2], fb[0], fa[1]})

	if len(done) != 2 {
		t.Fatalf("completions = %d, want 2", len(done))
	}
	if !bytes.Equal(done[0], b) || !bytes.Equal(done[1], a) {
		t.Error("assembled frames do not match originals")
	}
}

func TestBuffer_GroupIDReusedAfterRestart(t *testing.T) {
	tests := []struct {
		name   string
		second []byte
	}{
		{"same count, different content", blob(3000, 11)},
		{"different count", blob(5000, 12)},
		{"single fragment", []byte("keyframe")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := New(DefaultConfig())
			first := blob(3000, 10)
			if done := feed(t, buf, mustSplit(t, first, 1000, 0)); len(done) != 1 {
				t.Fatalf("first frame completions = %d, want 1", len(done))
			}

			// A restarted sender starts again at group 0 within the timeout.
			done := feed(t, buf, mustSplit(t, tt.second, 1000, 0))
			if len(done) != 1 {
				t.Fatalf("second frame completions = %d, want 1", len(done))
			}
			if !bytes.Equal(done[0], tt.second) {
				t.Error("second frame differs from what was sent")
			}
			if st := buf.Stats(); st.Completed != 2 || st.Reused != 1 || st.Duplicates != 0 {
				t.Errorf("Stats() = %+v, want Completed=2 Reused=1 Duplicates=0", st)
			}
		})
	}
}
