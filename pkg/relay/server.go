// Package relay forwards producer frames to a single registered consumer.
//
// A Server listens on two UDP ports. Any non-empty datagram on the
// registration port registers its sender as the consumer, replacing whoever
// was registered before, and is answered with an acknowledgement. Datagrams
// on the ingress port are producer frames: with no consumer registered they
// are dropped, frames that fit into one chunk are forwarded unmodified, and
// larger frames are split into fragments sent in index order.
//
// All relay state is owned by the goroutine running Server.Run. Reader
// goroutines only move datagrams from the sockets into channels, so the
// registration slot and group counter need no locking.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/bft-labs/framerelay/pkg/fragment"
	"github.com/bft-labs/framerelay/pkg/log"
	"github.com/bft-labs/framerelay/pkg/transport"
)

// ErrNoConsumerRegistered is the drop reason for producer datagrams that
// arrive before any consumer registered.
var ErrNoConsumerRegistered = errors.New("relay: no consumer registered")

// ErrRegistrationExpired is the drop reason once a registration outlived
// Config.RegistrationTTL.
var ErrRegistrationExpired = errors.New("relay: consumer registration expired")

// DefaultAck is the acknowledgement sent in reply to a registration.
const DefaultAck = "Registration successful"

// Config controls a Server.
type Config struct {
	// RegistrationAddr is where consumers register (host:port).
	RegistrationAddr string

	// IngressAddr is where the producer sends frames (host:port).
	IngressAddr string

	// MaxChunkSize is the largest frame forwarded unmodified and the
	// payload size of each fragment.
	MaxChunkSize int

	// RegistrationTTL expires a registration not refreshed in time.
	// Zero keeps a registration until it is replaced.
	RegistrationTTL time.Duration

	// PollInterval bounds each socket receive so shutdown is noticed.
	PollInterval time.Duration

	// Ack is the reply to a registration datagram.
	Ack []byte

	// Network is the socket family passed to transport.Listen.
	Network string
}

// DefaultConfig returns the relay defaults: registration on 9999, ingress on
// 9998, 1400-byte chunks.
func DefaultConfig() Config {
	return Config{
		RegistrationAddr: "0.0.0.0:9999",
		IngressAddr:      "0.0.0.0:9998",
		MaxChunkSize:     fragment.DefaultChunkSize,
		PollInterval:     250 * time.Millisecond,
		Ack:              []byte(DefaultAck),
		Network:          transport.DefaultNetwork,
	}
}

// Tunables are the settings that can change while the server runs.
type Tunables struct {
	MaxChunkSize int
}

// Stats counts relay activity.
type Stats struct {
	Received      uint64
	Forwarded     uint64
	Fragmented    uint64
	Fragments     uint64
	Dropped       uint64
	ForwardErrors uint64
	Registrations uint64
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l log.Logger) Option {
	return func(s *Server) { s.logger = log.OrNoop(l) }
}

// WithEventHandler sets a handler for registration, forward and drop events.
func WithEventHandler(h EventHandler) Option {
	return func(s *Server) { s.events = h }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// Server is a running relay. Create it with New and start it with Run.
type Server struct {
	cfg    Config
	reg    *transport.Conn
	ingest *transport.Conn
	logger log.Logger
	events EventHandler
	now    func() time.Time

	updateMu sync.Mutex
	updates  chan Tunables

	closeOnce sync.Once

	// owned by the Run goroutine
	consumer  *Registration
	nextGroup uint32
	maxChunk  int
	scratch   []byte
	datagrams [][]byte

	received      atomic.Uint64
	forwarded     atomic.Uint64
	fragmented    atomic.Uint64
	fragments     atomic.Uint64
	dropped       atomic.Uint64
	forwardErrors atomic.Uint64
	registrations atomic.Uint64
}

// New validates cfg and binds both sockets.
func New(cfg Config, opts ...Option) (*Server, error) {
	if err := validateChunk(cfg.MaxChunkSize); err != nil {
		return nil, err
	}
	if cfg.RegistrationTTL < 0 {
		return nil, fmt.Errorf("relay: registration ttl must not be negative")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	if len(cfg.Ack) == 0 {
		cfg.Ack = []byte(DefaultAck)
	}
	if cfg.Network == "" {
		cfg.Network = transport.DefaultNetwork
	}

	s := &Server{
		cfg:      cfg,
		logger:   log.NewNoopLogger(),
		events:   BaseEventHandler{},
		now:      time.Now,
		updates:  make(chan Tunables, 1),
		maxChunk: cfg.MaxChunkSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.events == nil {
		s.events = BaseEventHandler{}
	}

	connOpts := []transport.Option{
		transport.WithNetwork(cfg.Network),
		transport.WithLogger(s.logger),
	}
	reg, err := transport.Listen(cfg.RegistrationAddr, connOpts...)
	if err != nil {
		return nil, fmt.Errorf("relay: registration socket: %w", err)
	}
	ingest, err := transport.Listen(cfg.IngressAddr, connOpts...)
	if err != nil {
		reg.Close()
		return nil, fmt.Errorf("relay: ingress socket: %w", err)
	}
	s.reg = reg
	s.ingest = ingest
	return s, nil
}

// Name identifies the server to a lifecycle supervisor.
func (s *Server) Name() string { return "relay" }

// RegistrationAddr returns the bound registration address.
func (s *Server) RegistrationAddr() *net.UDPAddr { return s.reg.LocalAddr() }

// IngressAddr returns the bound ingress address.
func (s *Server) IngressAddr() *net.UDPAddr { return s.ingest.LocalAddr() }

// Close releases both sockets. Run closes them itself on return.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = errors.Join(s.reg.Close(), s.ingest.Close())
	})
	return err
}

// Update hands new tunables to the running server. A pending update not yet
// picked up is replaced.
func (s *Server) Update(t Tunables) error {
	if err := validateChunk(t.MaxChunkSize); err != nil {
		return err
	}

	s.updateMu.Lock()
	defer s.updateMu.Unlock()
	select {
	case <-s.updates:
	default:
	}
	s.updates <- t
	return nil
}

// Stats returns a snapshot of the counters. Safe to call from any goroutine.
func (s *Server) Stats() Stats {
	return Stats{
		Received:      s.received.Load(),
		Forwarded:     s.forwarded.Load(),
		Fragmented:    s.fragmented.Load(),
		Fragments:     s.fragments.Load(),
		Dropped:       s.dropped.Load(),
		ForwardErrors: s.forwardErrors.Load(),
		Registrations: s.registrations.Load(),
	}
}

// Run serves until ctx is done and returns ctx.Err(). The sockets are closed
// on return, so a Server runs once.
func (s *Server) Run(ctx context.Context) error {
	readCtx, cancel := context.WithCancel(ctx)
	regCh := make(chan transport.Packet, 16)
	ingestCh := make(chan transport.Packet, 64)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.reg.ReadLoop(readCtx, s.cfg.PollInterval, regCh)
	}()
	go func() {
		defer wg.Done()
		s.ingest.ReadLoop(readCtx, s.cfg.PollInterval, ingestCh)
	}()

	defer func() {
		cancel()
		s.Close()
		wg.Wait()
		drain(regCh)
		drain(ingestCh)
		s.logger.Info("relay stopped")
	}()

	s.logger.Info("relay started",
		log.Addr("registration", s.RegistrationAddr()),
		log.Addr("ingress", s.IngressAddr()),
		log.Int("max_chunk_size", s.maxChunk),
		log.Duration("registration_ttl", s.cfg.RegistrationTTL),
	)

	var sweep <-chan time.Time
	if s.cfg.RegistrationTTL > 0 {
		t := time.NewTicker(s.cfg.RegistrationTTL / 2)
		defer t.Stop()
		sweep = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-sweep:
			s.expire()

		case pkt := <-regCh:
			s.handleRegistration(pkt.Data, pkt.Addr)
			pkt.Release()

		case pkt := <-ingestCh:
			s.handleIngress(pkt.Data, pkt.Addr)
			pkt.Release()

		case t := <-s.updates:
			if t.MaxChunkSize != s.maxChunk {
				s.logger.Info("max chunk size updated",
					log.Int("from", s.maxChunk),
					log.Int("to", t.MaxChunkSize),
				)
				s.maxChunk = t.MaxChunkSize
			}
		}
	}
}

func (s *Server) handleRegistration(data []byte, from *net.UDPAddr) {
	if len(data) == 0 {
		return
	}
	now := s.now()

	ev := RegisterEvent{}
	switch {
	case s.consumer != nil && sameAddr(s.consumer.Addr, from):
		s.consumer.LastSeen = now
		ev.Refreshed = true
	default:
		if s.consumer != nil {
			ev.Replaced = s.consumer.Addr
		}
		s.consumer = &Registration{
			ID:        uuid.New(),
			Addr:      cloneAddr(from),
			FirstSeen: now,
			LastSeen:  now,
		}
		s.registrations.Add(1)
		fields := []log.Field{
			log.String("id", s.consumer.ID.String()),
			log.Addr("consumer", from),
		}
		if ev.Replaced != nil {
			fields = append(fields, log.Addr("replaced", ev.Replaced))
		}
		s.logger.Info("consumer registered", fields...)
	}
	ev.Registration = *s.consumer

	if err := s.reg.Send(from, s.cfg.Ack); err != nil {
		s.logger.Warn("registration ack failed", log.Addr("consumer", from), log.Err(err))
	}
	s.events.OnRegister(ev)
}

func (s *Server) handleIngress(data []byte, from *net.UDPAddr) {
	s.received.Add(1)

	if s.expire() {
		s.drop(data, from, ErrRegistrationExpired)
		return
	}
	if s.consumer == nil {
		s.drop(data, from, ErrNoConsumerRegistered)
		return
	}

	to := s.consumer.Addr
	if len(data) <= s.maxChunk {
		if err := s.reg.Send(to, data); err != nil {
			s.forwardErrors.Add(1)
			s.logger.Warn("forward failed", log.Addr("consumer", to), log.Int("bytes", len(data)), log.Err(err))
			return
		}
		s.forwarded.Add(1)
		s.events.OnForward(ForwardEvent{To: to, Bytes: len(data)})
		return
	}

	group := s.nextGroup
	s.nextGroup++

	frags, err := fragment.Split(data, s.maxChunk, group)
	if err != nil {
		s.drop(data, from, err)
		return
	}
	datagrams := s.encode(frags)
	if err := s.reg.SendBatch(to, datagrams); err != nil {
		s.forwardErrors.Add(1)
		s.logger.Warn("forward failed",
			log.Addr("consumer", to),
			log.Uint32("group", group),
			log.Int("fragments", len(frags)),
			log.Err(err),
		)
		return
	}

	s.forwarded.Add(1)
	s.fragmented.Add(1)
	s.fragments.Add(uint64(len(frags)))
	s.logger.Debug("frame fragmented",
		log.Uint32("group", group),
		log.Int("bytes", len(data)),
		log.Int("fragments", len(frags)),
	)
	s.events.OnForward(ForwardEvent{To: to, Bytes: len(data), Fragments: len(frags), GroupID: group})
}

// expire clears a registration older than the TTL and reports whether it did.
func (s *Server) expire() bool {
	if s.consumer == nil || s.cfg.RegistrationTTL <= 0 || s.now().Sub(s.consumer.LastSeen) <= s.cfg.RegistrationTTL {
		return false
	}
	s.logger.Info("consumer registration expired",
		log.String("id", s.consumer.ID.String()),
		log.Addr("consumer", s.consumer.Addr),
	)
	s.consumer = nil
	return true
}

func (s *Server) drop(data []byte, from *net.UDPAddr, reason error) {
	s.dropped.Add(1)
	s.logger.Warn("producer datagram dropped",
		log.Addr("producer", from),
		log.Int("bytes", len(data)),
		log.Err(reason),
	)
	s.events.OnDrop(DropEvent{From: from, Bytes: len(data), Reason: reason})
}

// encode writes frags back to back into the scratch buffer. The returned
// slices are valid until the next call.
func (s *Server) encode(frags []fragment.Fragment) [][]byte {
	need := 0
	for _, f := range frags {
		need += f.Size()
	}
	if cap(s.scratch) < need {
		s.scratch = make([]byte, 0, need)
	}
	buf := s.scratch[:0]
	s.datagrams = s.datagrams[:0]
	for _, f := range frags {
		start := len(buf)
		buf = f.AppendTo(buf)
		s.datagrams = append(s.datagrams, buf[start:len(buf):len(buf)])
	}
	s.scratch = buf
	return s.datagrams
}

func validateChunk(n int) error {
	if n <= 0 || n > fragment.MaxChunkSize {
		return fmt.Errorf("relay: max chunk size %d out of range (1..%d)", n, fragment.MaxChunkSize)
	}
	return nil
}

func drain(ch chan transport.Packet) {
	for {
		select {
		case pkt := <-ch:
			pkt.Release()
		default:
			return
		}
	}
}

func sameAddr(a, b *net.UDPAddr) bool {
	return a.Port == b.Port && a.IP.Equal(b.IP) && a.Zone == b.Zone
}

func cloneAddr(a *net.UDPAddr) *net.UDPAddr {
	c := *a
	c.IP = append(net.IP(nil), a.IP...)
	return &c
}
