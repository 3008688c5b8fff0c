// Package transport wraps a UDP socket with bounded-time receives, buffer
// reuse and batched sends.
//
// Sends are best-effort: a failed send returns an *Error that callers log
// before moving on to the next datagram. Receives always take a timeout; on
// expiry they return ErrTimeout, which is a scheduling signal rather than a
// failure.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/bft-labs/framerelay/pkg/fragment"
	"github.com/bft-labs/framerelay/pkg/log"
)

// Transport errors. Check with errors.Is.
var (
	// ErrTimeout is returned when a receive deadline expires.
	ErrTimeout = errors.New("transport: receive timeout")

	// ErrTransport matches every *Error.
	ErrTransport = errors.New("transport: socket error")
)

const (
	// DefaultNetwork is the socket family used when none is set.
	DefaultNetwork = "udp4"

	// DefaultReadBufferSize is the kernel receive buffer requested for each socket.
	DefaultReadBufferSize = 4 << 20

	// DefaultWriteTimeout bounds a single send so a stalled socket cannot hold
	// up the frame cadence.
	DefaultWriteTimeout = 100 * time.Millisecond

	// bufferSize fits any UDP datagram.
	bufferSize = fragment.MaxDatagramSize + 1
)

// Error is a send or receive failure on the underlying socket.
type Error struct {
	Op   string
	Addr net.Addr
	Err  error
}

func (e *Error) Error() string {
	if e.Addr != nil {
		return fmt.Sprintf("transport: %s %s: %v", e.Op, e.Addr, e.Err)
	}
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrTransport) true for every *Error.
func (e *Error) Is(target error) bool { return target == ErrTransport }

var bufPool = sync.Pool{
	New: func() any {
		b := make([]byte, bufferSize)
		return &b
	},
}

// Packet is a received datagram. Packets produced by ReadLoop hold a pooled
// buffer that must be returned with Release once Data is no longer needed.
type Packet struct {
	Data []byte
	Addr *net.UDPAddr

	buf *[]byte
}

// Release returns the packet's buffer to the pool. Data must not be used afterwards.
func (p *Packet) Release() {
	if p.buf != nil {
		bufPool.Put(p.buf)
		p.buf = nil
		p.Data = nil
	}
}

// Option configures a Conn.
type Option func(*options)

type options struct {
	network        string
	readBufferSize int
	writeTimeout   time.Duration
	logger         log.Logger
}

// WithNetwork sets the socket family ("udp4", "udp6" or "udp").
// Batched sends are only used on "udp4".
func WithNetwork(network string) Option {
	return func(o *options) { o.network = network }
}

// WithReadBufferSize sets the kernel receive buffer size. Zero keeps the OS default.
func WithReadBufferSize(n int) Option {
	return func(o *options) { o.readBufferSize = n }
}

// WithWriteTimeout sets the per-send deadline. Zero disables it.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *options) { o.writeTimeout = d }
}

// WithLogger sets the logger used by ReadLoop.
func WithLogger(l log.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Conn is a bound UDP socket.
type Conn struct {
	pc           *net.UDPConn
	batch        *ipv4.PacketConn
	writeTimeout time.Duration
	logger       log.Logger
}

// Listen binds a UDP socket on addr (host:port, port 0 picks a free one).
func Listen(addr string, opts ...Option) (*Conn, error) {
	o := options{
		network:        DefaultNetwork,
		readBufferSize: DefaultReadBufferSize,
		writeTimeout:   DefaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}

	laddr, err := net.ResolveUDPAddr(o.network, addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	pc, err := net.ListenUDP(o.network, laddr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	if o.readBufferSize > 0 {
		if err := pc.SetReadBuffer(o.readBufferSize); err != nil {
			pc.Close()
			return nil, fmt.Errorf("set read buffer: %w", err)
		}
	}

	c := &Conn{
		pc:           pc,
		writeTimeout: o.writeTimeout,
		logger:       log.OrNoop(o.logger),
	}
	if o.network == "udp4" {
		c.batch = ipv4.NewPacketConn(pc)
	}
	return c, nil
}

// ResolveAddr resolves a host:port string to a UDP address.
func ResolveAddr(addr string) (*net.UDPAddr, error) {
	a, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	return a, nil
}

// LocalAddr returns the bound address.
func (c *Conn) LocalAddr() *net.UDPAddr {
	return c.pc.LocalAddr().(*net.UDPAddr)
}

// Close closes the socket. Blocked receives return an error matching net.ErrClosed.
func (c *Conn) Close() error {
	return c.pc.Close()
}

// Send writes one datagram to addr.
func (c *Conn) Send(addr *net.UDPAddr, b []byte) error {
	// no mutex is needed here since WriteTo() has an internal lock.
	c.setWriteDeadline()
	if _, err := c.pc.WriteToUDP(b, addr); err != nil {
		return &Error{Op: "send", Addr: addr, Err: err}
	}
	return nil
}

// SendBatch writes datagrams to addr in slice order. On Linux the whole batch
// goes out in as few sendmmsg calls as possible.
func (c *Conn) SendBatch(addr *net.UDPAddr, datagrams [][]byte) error {
	if c.batch == nil {
		for _, d := range datagrams {
			if err := c.Send(addr, d); err != nil {
				return err
			}
		}
		return nil
	}

	msgs := make([]ipv4.Message, len(datagrams))
	for i, d := range datagrams {
		msgs[i].Buffers = [][]byte{d}
		msgs[i].Addr = addr
	}

	c.setWriteDeadline()
	for len(msgs) > 0 {
		n, err := c.batch.WriteBatch(msgs, 0)
		if err != nil {
			return &Error{Op: "send batch", Addr: addr, Err: err}
		}
		if n == 0 {
			return &Error{Op: "send batch", Addr: addr, Err: errors.New("no datagrams written")}
		}
		msgs = msgs[n:]
	}
	return nil
}

// ReceiveInto reads one datagram into buf, waiting at most timeout.
// A non-positive timeout blocks until a datagram arrives or the socket closes.
// A datagram longer than buf is truncated.
func (c *Conn) ReceiveInto(buf []byte, timeout time.Duration) (int, *net.UDPAddr, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := c.pc.SetReadDeadline(deadline); err != nil {
		return 0, nil, &Error{Op: "set deadline", Err: err}
	}

	n, addr, err := c.pc.ReadFromUDP(buf)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return 0, nil, ErrTimeout
		}
		return 0, nil, &Error{Op: "receive", Err: err}
	}
	return n, addr, nil
}

// Receive reads one datagram into a freshly allocated slice.
func (c *Conn) Receive(timeout time.Duration) (Packet, error) {
	buf := make([]byte, bufferSize)
	n, addr, err := c.ReceiveInto(buf, timeout)
	if err != nil {
		return Packet{}, err
	}
	return Packet{Data: buf[:n:n], Addr: addr}, nil
}

// ReadLoop receives datagrams into pooled buffers and sends them on out until
// ctx is done or the socket is closed. poll bounds each receive so ctx is
// checked regularly. Receivers must Release every packet.
func (c *Conn) ReadLoop(ctx context.Context, poll time.Duration, out chan<- Packet) {
	for {
		if ctx.Err() != nil {
			return
		}

		buf := bufPool.Get().(*[]byte)
		n, addr, err := c.ReceiveInto(*buf, poll)
		if err != nil {
			bufPool.Put(buf)
			if errors.Is(err, ErrTimeout) {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			c.logger.Warn("receive failed", log.Addr("local", c.LocalAddr()), log.Err(err))
			continue
		}

		pkt := Packet{Data: (*buf)[:n], Addr: addr, buf: buf}
		select {
		case out <- pkt:
		case <-ctx.Done():
			pkt.Release()
			return
		}
	}
}

func (c *Conn) setWriteDeadline() {
	if c.writeTimeout > 0 {
		_ = c.pc.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
}
