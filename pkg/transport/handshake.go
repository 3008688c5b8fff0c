package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/bft-labs/framerelay/pkg/lifecycle"
	"github.com/bft-labs/framerelay/pkg/log"
)

// ErrNoAck is returned by Handshake when every attempt went unanswered.
// Callers are expected to carry on without the acknowledgement.
var ErrNoAck = errors.New("transport: no acknowledgement")

// HandshakeConfig bounds a Handshake.
type HandshakeConfig struct {
	// Timeout is how long each attempt waits for a reply.
	Timeout time.Duration

	// Retries is the number of extra attempts after the first.
	Retries int

	// BackoffInitial and BackoffMax space out retries.
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// DefaultHandshakeConfig returns the defaults used for consumer registration.
func DefaultHandshakeConfig() HandshakeConfig {
	return HandshakeConfig{
		Timeout:        2 * time.Second,
		Retries:        3,
		BackoffInitial: 200 * time.Millisecond,
		BackoffMax:     2 * time.Second,
	}
}

// Handshake sends msg to addr and waits for a datagram back from addr.
// Datagrams from other sources are discarded. After Retries+1 unanswered
// attempts it returns ErrNoAck; it never blocks longer than the configured
// bound (plus backoff) and returns early when ctx is done.
func (c *Conn) Handshake(ctx context.Context, addr *net.UDPAddr, msg []byte, cfg HandshakeConfig) ([]byte, error) {
	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("handshake: timeout must be positive")
	}

	back := lifecycle.NewBackoff(cfg.BackoffInitial, cfg.BackoffMax)
	buf := make([]byte, bufferSize)

	for attempt := 0; attempt <= cfg.Retries; attempt++ {
		if attempt > 0 && cfg.BackoffInitial > 0 {
			if err := back.Wait(ctx); err != nil {
				return nil, err
			}
		}

		if err := c.Send(addr, msg); err != nil {
			c.logger.Warn("handshake send failed", log.Int("attempt", attempt+1), log.Err(err))
			continue
		}

		reply, err := c.awaitReply(ctx, addr, buf, cfg.Timeout)
		if err == nil {
			return reply, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if !errors.Is(err, ErrTimeout) {
			c.logger.Warn("handshake receive failed", log.Int("attempt", attempt+1), log.Err(err))
		}
	}
	return nil, ErrNoAck
}

// awaitReply waits up to timeout for a datagram from addr.
func (c *Conn) awaitReply(ctx context.Context, addr *net.UDPAddr, buf []byte, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrTimeout
		}

		n, from, err := c.ReceiveInto(buf, remaining)
		if err != nil {
			return nil, err
		}
		if sameEndpoint(from, addr) {
			return append([]byte(nil), buf[:n]...), nil
		}
	}
}

func sameEndpoint(from, want *net.UDPAddr) bool {
	if from == nil || want == nil || from.Port != want.Port {
		return false
	}
	return want.IP == nil || want.IP.IsUnspecified() || from.IP.Equal(want.IP)
}
