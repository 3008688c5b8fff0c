package relay

import (
	"net"
	"time"

	"github.com/google/uuid"
)

// Registration is the consumer the relay currently forwards to.
type Registration struct {
	ID        uuid.UUID
	Addr      *net.UDPAddr
	FirstSeen time.Time
	LastSeen  time.Time
}

// RegisterEvent is emitted when a registration datagram is accepted.
type RegisterEvent struct {
	Registration Registration

	// Refreshed is true when the sender was already the registered consumer.
	Refreshed bool

	// Replaced holds the previous consumer address when a new one took over.
	Replaced *net.UDPAddr
}

// ForwardEvent is emitted after a producer frame went out to the consumer.
type ForwardEvent struct {
	To        *net.UDPAddr
	Bytes     int
	Fragments int    // 0 when the frame was forwarded verbatim
	GroupID   uint32 // only meaningful when Fragments > 0
}

// DropEvent is emitted when a producer datagram is not forwarded.
type DropEvent struct {
	From   *net.UDPAddr
	Bytes  int
	Reason error
}

// EventHandler observes relay activity. Methods are called synchronously from
// the server goroutine and must not block.
type EventHandler interface {
	OnRegister(ev RegisterEvent)
	OnForward(ev ForwardEvent)
	OnDrop(ev DropEvent)
}

// BaseEventHandler implements EventHandler with no-ops. Embed it to override
// only the events of interest.
type BaseEventHandler struct{}

func (BaseEventHandler) OnRegister(RegisterEvent) {}
func (BaseEventHandler) OnForward(ForwardEvent)   {}
func (BaseEventHandler) OnDrop(DropEvent)         {}
