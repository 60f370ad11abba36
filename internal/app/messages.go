package app

import (
	"time"

	"ble-locator.klederson.com/internal/protocol"
	"ble-locator.klederson.com/internal/transport"
)

// TickMsg triggers a frame update for animation.
type TickMsg time.Time

// LinkUpMsg reports a connection to the node.
type LinkUpMsg struct {
	Conn *transport.Conn
}

// LinkDownMsg reports a failed dial or a lost connection.
type LinkDownMsg struct {
	Conn *transport.Conn // nil when the dial failed
	Err  error
}

// RedialMsg asks for a new connection attempt.
type RedialMsg struct{}

// FrameMsg carries one decoded frame from the node.
type FrameMsg struct {
	Conn *transport.Conn
	Msg  protocol.Message
}

// BadFrameMsg reports a frame that could not be decoded. The connection
// stays usable.
type BadFrameMsg struct {
	Conn *transport.Conn
	Err  error
}

// SendErrorMsg reports a request that could not be written.
type SendErrorMsg struct {
	Err error
}
