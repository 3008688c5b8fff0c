package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bft-labs/framerelay/pkg/fragment"
	"github.com/bft-labs/framerelay/pkg/log"
)

// Sender is the part of transport.Conn the producer needs.
type Sender interface {
	Send(addr *net.UDPAddr, b []byte) error
	SendBatch(addr *net.UDPAddr, datagrams [][]byte) error
}

// Config controls a Producer.
type Config struct {
	// Target receives the frames: a relay ingress port or, with Fragment, a consumer.
	Target *net.UDPAddr

	// QueueCapacity bounds the frames waiting between capture and send.
	QueueCapacity int

	// MaxChunkSize is the largest frame sent as a single datagram, and the
	// fragment payload size when Fragment is set.
	MaxChunkSize int

	// Fragment splits oversized frames here instead of leaving it to a relay.
	Fragment bool

	// IdleTimeout bounds each wait on the queue.
	IdleTimeout time.Duration

	// CaptureRetry is the pause after a failed capture.
	CaptureRetry time.Duration
}

// DefaultConfig returns a Config with default values. Target must be set.
func DefaultConfig() Config {
	return Config{
		QueueCapacity: DefaultQueueCapacity,
		MaxChunkSize:  fragment.DefaultChunkSize,
		IdleTimeout:   100 * time.Millisecond,
		CaptureRetry:  100 * time.Millisecond,
	}
}

// ErrFrameTooLarge is logged for a frame that fits neither one datagram nor,
// without Fragment, the relay's ingress.
var ErrFrameTooLarge = errors.New("pipeline: frame exceeds datagram size")

// Stats counts producer activity.
type Stats struct {
	Captured      uint64
	CaptureErrors uint64
	QueueDrops    uint64
	Sent          uint64
	Fragments     uint64
	SendErrors    uint64
	Oversize      uint64
}

// Option configures a Producer.
type Option func(*Producer)

// WithLogger sets the producer logger.
func WithLogger(l log.Logger) Option {
	return func(p *Producer) { p.logger = log.OrNoop(l) }
}

// Producer runs the capture goroutine and the send loop.
type Producer struct {
	cfg    Config
	sender Sender
	source Source
	queue  *Queue
	logger log.Logger

	groupID uint32 // send loop only

	captured      atomic.Uint64
	captureErrors atomic.Uint64
	sent          atomic.Uint64
	fragments     atomic.Uint64
	sendErrors    atomic.Uint64
	oversize      atomic.Uint64
}

// NewProducer validates cfg and wires the producer to its sender and source.
func NewProducer(cfg Config, sender Sender, source Source, opts ...Option) (*Producer, error) {
	if cfg.Target == nil {
		return nil, fmt.Errorf("producer: target address is required")
	}
	if cfg.MaxChunkSize <= 0 || cfg.MaxChunkSize > fragment.MaxChunkSize {
		return nil, fmt.Errorf("producer: max chunk size %d out of range (1..%d)", cfg.MaxChunkSize, fragment.MaxChunkSize)
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 100 * time.Millisecond
	}
	if cfg.CaptureRetry <= 0 {
		cfg.CaptureRetry = 100 * time.Millisecond
	}

	p := &Producer{
		cfg:    cfg,
		sender: sender,
		source: source,
		queue:  NewQueue(cfg.QueueCapacity),
		logger: log.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Name identifies the producer to a lifecycle supervisor.
func (p *Producer) Name() string { return "producer" }

// Run captures and sends until ctx is done or the source is exhausted and
// the queue drained. A frame whose fragments are being sent is always
// finished before Run returns.
func (p *Producer) Run(ctx context.Context) error {
	captureCtx, cancel := context.WithCancel(ctx)

	var wg sync.WaitGroup
	var exhausted atomic.Bool
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.capture(captureCtx)
		exhausted.Store(true)
	}()
	defer func() {
		cancel()
		wg.Wait()
	}()

	p.logger.Info("producer started",
		log.Addr("target", p.cfg.Target),
		log.Int("max_chunk_size", p.cfg.MaxChunkSize),
		log.Bool("fragment", p.cfg.Fragment),
		log.Int("queue_capacity", p.queue.Cap()),
	)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		f, ok := p.queue.Dequeue(ctx, p.cfg.IdleTimeout)
		if !ok {
			if err := ctx.Err(); err != nil {
				return err
			}
			if exhausted.Load() && p.queue.Len() == 0 {
				p.logger.Info("source exhausted, producer stopping")
				return nil
			}
			continue
		}
		p.send(f)
	}
}

// Stats returns a snapshot of the counters. Safe to call from any goroutine.
func (p *Producer) Stats() Stats {
	return Stats{
		Captured:      p.captured.Load(),
		CaptureErrors: p.captureErrors.Load(),
		QueueDrops:    p.queue.Drops(),
		Sent:          p.sent.Load(),
		Fragments:     p.fragments.Load(),
		SendErrors:    p.sendErrors.Load(),
		Oversize:      p.oversize.Load(),
	}
}

func (p *Producer) capture(ctx context.Context) {
	for {
		data, err := p.source.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return
			}
			p.captureErrors.Add(1)
			p.logger.Warn("capture failed", log.Err(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.cfg.CaptureRetry):
			}
			continue
		}
		if len(data) == 0 {
			continue
		}

		p.captured.Add(1)
		if p.queue.Enqueue(Frame{Data: data, CapturedAt: time.Now()}) {
			p.logger.Debug("queue full, dropped oldest frame", log.Uint64("drops", p.queue.Drops()))
		}
	}
}

func (p *Producer) send(f Frame) {
	switch {
	case len(f.Data) <= p.cfg.MaxChunkSize:
		if err := p.sender.Send(p.cfg.Target, f.Data); err != nil {
			p.sendErrors.Add(1)
			p.logger.Warn("send failed", log.Int("bytes", len(f.Data)), log.Err(err))
			return
		}

	case p.cfg.Fragment:
		group := p.groupID
		p.groupID++

		frags, err := fragment.Split(f.Data, p.cfg.MaxChunkSize, group)
		if err != nil {
			p.oversize.Add(1)
			p.logger.Warn("frame dropped", log.Int("bytes", len(f.Data)), log.Err(err))
			return
		}
		datagrams := make([][]byte, len(frags))
		for i, fr := range frags {
			datagrams[i] = fr.Encode()
		}
		if err := p.sender.SendBatch(p.cfg.Target, datagrams); err != nil {
			p.sendErrors.Add(1)
			p.logger.Warn("send failed", log.Uint32("group", group), log.Int("fragments", len(frags)), log.Err(err))
			return
		}
		p.fragments.Add(uint64(len(frags)))

	case len(f.Data) <= fragment.MaxDatagramSize:
		if err := p.sender.Send(p.cfg.Target, f.Data); err != nil {
			p.sendErrors.Add(1)
			p.logger.Warn("send failed", log.Int("bytes", len(f.Data)), log.Err(err))
			return
		}

	default:
		p.oversize.Add(1)
		p.logger.Warn("frame dropped", log.Int("bytes", len(f.Data)), log.Err(ErrFrameTooLarge))
		return
	}

	p.sent.Add(1)
	p.logger.Debug("frame sent",
		log.Int("bytes", len(f.Data)),
		log.Duration("queued", time.Since(f.CapturedAt)),
	)
}
