// Package consumer receives frames from a relay, or directly from a
// fragmenting producer, and hands them to a Sink.
//
// A Receiver registers with the relay, then reads datagrams in a single
// goroutine. Datagrams carrying a fragment header go through a reassembly
// buffer; anything else is a complete frame and is delivered as is.
// Registration is repeated periodically so the relay keeps forwarding.
package consumer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/bft-labs/framerelay/pkg/fragment"
	"github.com/bft-labs/framerelay/pkg/log"
	"github.com/bft-labs/framerelay/pkg/reassembly"
	"github.com/bft-labs/framerelay/pkg/relay"
	"github.com/bft-labs/framerelay/pkg/transport"
)

// DefaultRegisterMessage is the registration payload sent to the relay.
const DefaultRegisterMessage = "register"

// Config controls a Receiver.
type Config struct {
	// ListenAddr is the local address to receive on (host:port).
	ListenAddr string

	// RelayAddr is the relay's registration address. Empty skips
	// registration, for a producer sending fragments directly.
	RelayAddr string

	// RegisterMessage is the registration payload.
	RegisterMessage []byte

	// RegisterInterval repeats the registration while running. Zero
	// registers only once at startup.
	RegisterInterval time.Duration

	// Handshake bounds the startup registration.
	Handshake transport.HandshakeConfig

	// ReceiveTimeout bounds each socket read.
	ReceiveTimeout time.Duration

	// Reassembly configures the fragment buffer.
	Reassembly reassembly.Config

	// AckMessage is the relay's acknowledgement. Unfragmented datagrams
	// equal to it are counted as acks and not delivered as frames, so a
	// frame with exactly these bytes is lost. Empty disables the filter.
	AckMessage []byte

	// Network is the socket family passed to transport.Listen.
	Network string
}

// DefaultConfig returns receiver defaults for a relay on the local host.
func DefaultConfig() Config {
	return Config{
		ListenAddr:       "0.0.0.0:0",
		RelayAddr:        "127.0.0.1:9999",
		RegisterMessage:  []byte(DefaultRegisterMessage),
		RegisterInterval: 5 * time.Second,
		Handshake:        transport.DefaultHandshakeConfig(),
		ReceiveTimeout:   100 * time.Millisecond,
		Reassembly:       reassembly.DefaultConfig(),
		AckMessage:       []byte(relay.DefaultAck),
		Network:          transport.DefaultNetwork,
	}
}

// Stats counts receiver activity.
type Stats struct {
	Frames          uint64
	Fragments       uint64
	Malformed       uint64
	Acks            uint64
	EvictedTimeout  uint64
	EvictedOverflow uint64
	SinkErrors      uint64
	Registrations   uint64
}

// Option configures a Receiver.
type Option func(*Receiver)

// WithLogger sets the receiver logger.
func WithLogger(l log.Logger) Option {
	return func(r *Receiver) { r.logger = log.OrNoop(l) }
}

// WithClock overrides time.Now for the receiver and its reassembly buffer.
func WithClock(now func() time.Time) Option {
	return func(r *Receiver) { r.now = now }
}

// Receiver is a consumer endpoint.
type Receiver struct {
	cfg    Config
	conn   *transport.Conn
	relay  *net.UDPAddr
	sink   Sink
	logger log.Logger
	now    func() time.Time

	// owned by the Run goroutine
	buffer       *reassembly.Buffer
	lastRegister time.Time

	frames          atomic.Uint64
	fragments       atomic.Uint64
	malformed       atomic.Uint64
	acks            atomic.Uint64
	evictedTimeout  atomic.Uint64
	evictedOverflow atomic.Uint64
	sinkErrors      atomic.Uint64
	registrations   atomic.Uint64
}

// New binds the receive socket.
func New(cfg Config, sink Sink, opts ...Option) (*Receiver, error) {
	if sink == nil {
		return nil, fmt.Errorf("consumer: sink is required")
	}
	if cfg.ReceiveTimeout <= 0 {
		cfg.ReceiveTimeout = 100 * time.Millisecond
	}
	if len(cfg.RegisterMessage) == 0 {
		cfg.RegisterMessage = []byte(DefaultRegisterMessage)
	}
	if cfg.Network == "" {
		cfg.Network = transport.DefaultNetwork
	}

	r := &Receiver{
		cfg:    cfg,
		sink:   sink,
		logger: log.NewNoopLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}

	if cfg.RelayAddr != "" {
		addr, err := transport.ResolveAddr(cfg.RelayAddr)
		if err != nil {
			return nil, fmt.Errorf("consumer: %w", err)
		}
		r.relay = addr
	}

	conn, err := transport.Listen(cfg.ListenAddr,
		transport.WithNetwork(cfg.Network),
		transport.WithLogger(r.logger),
	)
	if err != nil {
		return nil, fmt.Errorf("consumer: %w", err)
	}
	r.conn = conn

	r.buffer = reassembly.New(cfg.Reassembly,
		reassembly.WithClock(r.now),
		reassembly.WithEventHandler(reassembly.EventHandlerFunc(r.onEvict)),
	)
	return r, nil
}

// Name identifies the receiver to a lifecycle supervisor.
func (r *Receiver) Name() string { return "consumer" }

// LocalAddr returns the bound receive address.
func (r *Receiver) LocalAddr() *net.UDPAddr { return r.conn.LocalAddr() }

// Close releases the socket. Run closes it itself on return.
func (r *Receiver) Close() error { return r.conn.Close() }

// Stats returns a snapshot of the counters. Safe to call from any goroutine.
func (r *Receiver) Stats() Stats {
	return Stats{
		Frames:          r.frames.Load(),
		Fragments:       r.fragments.Load(),
		Malformed:       r.malformed.Load(),
		Acks:            r.acks.Load(),
		EvictedTimeout:  r.evictedTimeout.Load(),
		EvictedOverflow: r.evictedOverflow.Load(),
		SinkErrors:      r.sinkErrors.Load(),
		Registrations:   r.registrations.Load(),
	}
}

// Register performs the startup handshake with the relay. An unanswered
// handshake is logged and not treated as fatal: the relay may still have
// received the registration, and later re-registrations retry it.
func (r *Receiver) Register(ctx context.Context) error {
	if r.relay == nil {
		return nil
	}

	r.lastRegister = r.now()
	ack, err := r.conn.Handshake(ctx, r.relay, r.cfg.RegisterMessage, r.cfg.Handshake)
	switch {
	case err == nil:
		r.registrations.Add(1)
		r.logger.Info("registered with relay", log.Addr("relay", r.relay), log.String("ack", string(ack)))
		return nil
	case errors.Is(err, transport.ErrNoAck):
		r.logger.Warn("relay did not acknowledge registration, continuing", log.Addr("relay", r.relay))
		return nil
	default:
		return err
	}
}

// Run registers and then receives until ctx is done. It returns ctx.Err().
func (r *Receiver) Run(ctx context.Context) error {
	defer r.conn.Close()

	if err := r.Register(ctx); err != nil {
		return err
	}

	r.logger.Info("consumer started",
		log.Addr("local", r.LocalAddr()),
		log.Addr("relay", r.relay),
		log.Duration("reassembly_timeout", r.cfg.Reassembly.Timeout),
	)

	buf := make([]byte, fragment.MaxDatagramSize+1)
	lastSweep := r.now()
	for {
		if err := ctx.Err(); err != nil {
			r.logger.Info("consumer stopped")
			return err
		}

		n, from, err := r.conn.ReceiveInto(buf, r.cfg.ReceiveTimeout)
		switch {
		case err == nil:
			r.handle(buf[:n], from)
		case errors.Is(err, transport.ErrTimeout):
		case errors.Is(err, net.ErrClosed):
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return err
		default:
			r.logger.Warn("receive failed", log.Err(err))
		}

		now := r.now()
		if r.cfg.Reassembly.Timeout > 0 && now.Sub(lastSweep) >= r.cfg.Reassembly.Timeout/2 {
			r.buffer.Sweep()
			lastSweep = now
		}
		r.maybeReregister(now)
	}
}

func (r *Receiver) handle(data []byte, from *net.UDPAddr) {
	if !fragment.IsFragment(data) {
		if len(r.cfg.AckMessage) > 0 && bytes.Equal(data, r.cfg.AckMessage) {
			r.acks.Add(1)
			return
		}
		r.deliver(data)
		return
	}

	f, err := fragment.Parse(data)
	if err != nil {
		r.malformed.Add(1)
		r.logger.Debug("malformed datagram", log.Addr("from", from), log.Err(err))
		return
	}
	r.fragments.Add(1)

	frame, err := r.buffer.Add(f)
	if err != nil {
		r.malformed.Add(1)
		r.logger.Debug("fragment rejected", log.Addr("from", from), log.Err(err))
		return
	}
	if frame != nil {
		r.deliver(frame)
	}
}

func (r *Receiver) deliver(frame []byte) {
	if err := r.sink.WriteFrame(frame); err != nil {
		r.sinkErrors.Add(1)
		r.logger.Warn("sink write failed", log.Int("bytes", len(frame)), log.Err(err))
		return
	}
	r.frames.Add(1)
}

// maybeReregister refreshes the registration without waiting for the ack,
// which arrives on the data path and is filtered there.
func (r *Receiver) maybeReregister(now time.Time) {
	if r.relay == nil || r.cfg.RegisterInterval <= 0 || now.Sub(r.lastRegister) < r.cfg.RegisterInterval {
		return
	}
	r.lastRegister = now
	if err := r.conn.Send(r.relay, r.cfg.RegisterMessage); err != nil {
		r.logger.Warn("re-registration failed", log.Addr("relay", r.relay), log.Err(err))
		return
	}
	r.registrations.Add(1)
}

func (r *Receiver) onEvict(ev reassembly.Eviction) {
	if errors.Is(ev.Reason, reassembly.ErrReassemblyOverflow) {
		r.evictedOverflow.Add(1)
	} else {
		r.evictedTimeout.Add(1)
	}
	r.logger.Debug("incomplete frame evicted",
		log.Uint32("group", ev.GroupID),
		log.Int("received", ev.Received),
		log.Int("count", int(ev.Count)),
		log.Err(ev.Reason),
	)
}
