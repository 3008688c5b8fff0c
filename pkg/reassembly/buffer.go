// Package reassembly collects fragments by group id and emits each frame once
// all of its fragments have arrived.
//
// A Buffer is owned by a single goroutine and is not safe for concurrent use.
// Incomplete groups are bounded two ways: an inactivity timeout per group and
// a ceiling on the total buffered payload bytes. Both evict individual groups
// and report them through an EventHandler; neither is fatal.
package reassembly

import (
	"container/list"
	"errors"
	"fmt"
	"hash/crc32"
	"time"

	"github.com/bft-labs/framerelay/pkg/fragment"
)

// Reassembly errors. Check with errors.Is.
var (
	// ErrMalformedFragment is returned for an index outside [1, count] or a
	// count that disagrees with the group's first fragment.
	ErrMalformedFragment = errors.New("reassembly: malformed fragment")

	// ErrReassemblyOverflow is the eviction reason when the byte ceiling is exceeded.
	ErrReassemblyOverflow = errors.New("reassembly: buffer overflow")

	// ErrReassemblyTimeout is the eviction reason for an inactive group.
	ErrReassemblyTimeout = errors.New("reassembly: group timed out")
)

const (
	// DefaultTimeout is the default inactivity timeout per group.
	DefaultTimeout = time.Second

	// DefaultMaxBufferedBytes is the default ceiling on buffered payload bytes.
	DefaultMaxBufferedBytes = 4 << 20 // 4MB

	// recentSize bounds how many completed group ids are remembered.
	recentSize = 1024
)

// Config holds the eviction limits for a Buffer.
type Config struct {
	// Timeout evicts a group that receives no fragment for this long.
	// Zero disables timeout eviction.
	Timeout time.Duration

	// MaxBufferedBytes caps the unassembled payload bytes across all groups.
	// Zero disables the ceiling.
	MaxBufferedBytes int
}

// DefaultConfig returns a Config with default limits.
func DefaultConfig() Config {
	return Config{
		Timeout:          DefaultTimeout,
		MaxBufferedBytes: DefaultMaxBufferedBytes,
	}
}

// Eviction describes a group dropped before it completed.
type Eviction struct {
	GroupID  uint32
	Count    uint16
	Received int
	Bytes    int
	Age      time.Duration

	// Reason is ErrReassemblyTimeout or ErrReassemblyOverflow.
	Reason error
}

// EventHandler receives eviction events. Called synchronously from Add or Sweep.
type EventHandler interface {
	OnEvict(ev Eviction)
}

// EventHandlerFunc adapts a function to EventHandler.
type EventHandlerFunc func(ev Eviction)

// OnEvict calls f(ev).
func (f EventHandlerFunc) OnEvict(ev Eviction) { f(ev) }

// Stats counts what the buffer has done since creation.
type Stats struct {
	Completed       uint64
	Duplicates      uint64
	Reused          uint64 // completed group ids seen again with different content
	Malformed       uint64
	EvictedTimeout  uint64
	EvictedOverflow uint64
}

// Option configures a Buffer.
type Option func(*Buffer)

// WithEventHandler sets the handler notified on eviction.
func WithEventHandler(h EventHandler) Option {
	return func(b *Buffer) { b.handler = h }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Buffer) { b.now = now }
}

type entry struct {
	groupID  uint32
	count    uint16
	parts    [][]byte
	have     []bool
	received int
	bytes    int
	created  time.Time
	lastSeen time.Time
	elem     *list.Element
}

// completion remembers a delivered group so late copies of its fragments
// are recognized. sums holds one checksum per fragment payload.
type completion struct {
	groupID uint32
	at      time.Time
	sums    []uint32
}

var crcTable = crc32.MakeTable(crc32.Castagnoli)

func checksum(payload []byte) uint32 {
	return crc32.Checksum(payload, crcTable)
}

// matches reports whether f is a copy of a fragment of this group.
func (c *completion) matches(f fragment.Fragment) bool {
	return int(f.Count) == len(c.sums) && c.sums[f.Index-1] == checksum(f.Payload)
}

// Buffer holds in-progress groups.
type Buffer struct {
	cfg      Config
	entries  map[uint32]*entry
	order    *list.List // *entry, oldest first
	buffered int

	recent    map[uint32]*completion
	recentLog [recentSize]*completion
	recentPos int

	handler EventHandler
	now     func() time.Time
	stats   Stats
}

// New creates an empty Buffer.
func New(cfg Config, opts ...Option) *Buffer {
	b := &Buffer{
		cfg:     cfg,
		entries: make(map[uint32]*entry),
		order:   list.New(),
		recent:  make(map[uint32]*completion),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Add stores a fragment. It returns the assembled frame when f completes its
// group, and nil otherwise. The payload is copied, so callers may reuse the
// fragment's backing buffer after Add returns.
func (b *Buffer) Add(f fragment.Fragment) ([]byte, error) {
	if !f.Valid() {
		b.stats.Malformed++
		return nil, fmt.Errorf("%w: %s", ErrMalformedFragment, f.Header)
	}

	now := b.now()

	if c := b.completedRecently(f.GroupID, now); c != nil {
		if c.matches(f) {
			b.stats.Duplicates++
			return nil, nil
		}
		// Same id, different content: the sender reused the id, typically
		// after a restart reset its group counter.
		delete(b.recent, f.GroupID)
		b.stats.Reused++
	}

	e, ok := b.entries[f.GroupID]
	if ok && b.expired(e, now) {
		b.evict(e, ErrReassemblyTimeout, now)
		ok = false
	}

	if !ok {
		if f.Count == 1 {
			b.markCompleted(f.GroupID, now, []uint32{checksum(f.Payload)})
			b.stats.Completed++
			return append([]byte(nil), f.Payload...), nil
		}
		e = b.create(f.Header, now)
	} else if e.count != f.Count {
		b.stats.Malformed++
		return nil, fmt.Errorf("%w: %s, group announced %d fragments",
			ErrMalformedFragment, f.Header, e.count)
	}

	e.lastSeen = now

	i := int(f.Index) - 1
	if e.have[i] {
		b.stats.Duplicates++
		return nil, nil
	}
	e.parts[i] = append([]byte(nil), f.Payload...)
	e.have[i] = true
	e.received++
	e.bytes += len(f.Payload)
	b.buffered += len(f.Payload)

	if e.received == int(e.count) {
		return b.complete(e, now), nil
	}

	b.enforceCeiling(now)
	return nil, nil
}

// Sweep evicts every group that has been inactive for at least the timeout
// and forgets stale completions. It returns the number of groups evicted.
func (b *Buffer) Sweep() int {
	if b.cfg.Timeout <= 0 {
		return 0
	}
	now := b.now()

	evicted := 0
	for el := b.order.Front(); el != nil; {
		next := el.Next()
		e := el.Value.(*entry)
		if b.expired(e, now) {
			b.evict(e, ErrReassemblyTimeout, now)
			evicted++
		}
		el = next
	}

	for id, c := range b.recent {
		if now.Sub(c.at) >= b.cfg.Timeout {
			delete(b.recent, id)
		}
	}
	return evicted
}

// Len returns the number of incomplete groups.
func (b *Buffer) Len() int {
	return len(b.entries)
}

// BufferedBytes returns the payload bytes held by incomplete groups.
func (b *Buffer) BufferedBytes() int {
	return b.buffered
}

// Stats returns a copy of the counters.
func (b *Buffer) Stats() Stats {
	return b.stats
}

func (b *Buffer) create(h fragment.Header, now time.Time) *entry {
	e := &entry{
		groupID:  h.GroupID,
		count:    h.Count,
		parts:    make([][]byte, h.Count),
		have:     make([]bool, h.Count),
		created:  now,
		lastSeen: now,
	}
	e.elem = b.order.PushBack(e)
	b.entries[h.GroupID] = e
	return e
}

func (b *Buffer) complete(e *entry, now time.Time) []byte {
	out := make([]byte, 0, e.bytes)
	sums := make([]uint32, len(e.parts))
	for i, p := range e.parts {
		out = append(out, p...)
		sums[i] = checksum(p)
	}
	b.remove(e)
	b.markCompleted(e.groupID, now, sums)
	b.stats.Completed++
	return out
}

func (b *Buffer) enforceCeiling(now time.Time) {
	if b.cfg.MaxBufferedBytes <= 0 {
		return
	}
	for b.buffered > b.cfg.MaxBufferedBytes {
		front := b.order.Front()
		if front == nil {
			return
		}
		b.evict(front.Value.(*entry), ErrReassemblyOverflow, now)
	}
}

func (b *Buffer) expired(e *entry, now time.Time) bool {
	return b.cfg.Timeout > 0 && now.Sub(e.lastSeen) >= b.cfg.Timeout
}

func (b *Buffer) evict(e *entry, reason error, now time.Time) {
	b.remove(e)
	if errors.Is(reason, ErrReassemblyOverflow) {
		b.stats.EvictedOverflow++
	} else {
		b.stats.EvictedTimeout++
	}
	if b.handler != nil {
		b.handler.OnEvict(Eviction{
			GroupID:  e.groupID,
			Count:    e.count,
			Received: e.received,
			Bytes:    e.bytes,
			Age:      now.Sub(e.created),
			Reason:   reason,
		})
	}
}

func (b *Buffer) remove(e *entry) {
	b.order.Remove(e.elem)
	delete(b.entries, e.groupID)
	b.buffered -= e.bytes
}

func (b *Buffer) markCompleted(id uint32, now time.Time, sums []uint32) {
	if old := b.recentLog[b.recentPos]; old != nil && b.recent[old.groupID] == old {
		delete(b.recent, old.groupID)
	}
	c := &completion{groupID: id, at: now, sums: sums}
	b.recentLog[b.recentPos] = c
	b.recentPos = (b.recentPos + 1) % recentSize
	b.recent[id] = c
}

func (b *Buffer) completedRecently(id uint32, now time.Time) *completion {
	c, ok := b.recent[id]
	if !ok {
		return nil
	}
	if b.cfg.Timeout > 0 && now.Sub(c.at) >= b.cfg.Timeout {
		delete(b.recent, id)
		return nil
	}
	return c
}
