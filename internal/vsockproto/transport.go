package vsockproto

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/mdlayher/vsock"
)

const (
	defaultPort        = 9000
	dialRetryAttempts  = 5
	dialRetryBaseDelay = 200 * time.Millisecond
)

// Protocol binds a message-framed conversation to a specific {cid, port}
// endpoint over a connection-oriented socket. Request/response on a given
// connection is strictly pipelined: at most one exchange is in flight.
type Protocol struct {
	CID    uint32
	Port   uint32
	conn   io.ReadWriteCloser
	logger *slog.Logger
}

// New validates cid/port and returns an unconnected Protocol. port
// defaults to 9000 when 0 is passed.
func New(cid uint32, port uint32, logger *slog.Logger) (*Protocol, error) {
	if cid == 0 {
		return nil, &Error{Msg: fmt.Sprintf("cid must be positive, got: %d", cid)}
	}
	if port == 0 {
		port = defaultPort
	}
	if port > 65535 {
		return nil, &Error{Msg: fmt.Sprintf("port must be between 1 and 65535, got: %d", port)}
	}

	return &Protocol{CID: cid, Port: port, logger: logger}, nil
}

// Dial connects to the guest's {cid, port}, retrying with exponential
// backoff since the guest agent may not be listening yet immediately
// after boot.
func (p *Protocol) Dial(ctx context.Context) error {
	var lastErr error
	delay := dialRetryBaseDelay

	for attempt := 0; attempt < dialRetryAttempts; attempt++ {
		conn, err := vsock.Dial(p.CID, p.Port, nil)
		if err == nil {
			p.conn = conn
			p.logger.Info("vsock dial succeeded", "cid", p.CID, "port", p.Port, "attempt", attempt+1)
			return nil
		}
		lastErr = err
		p.logger.Warn("vsock dial failed, retrying", "cid", p.CID, "port", p.Port, "attempt", attempt+1, "error", err)

		select {
		case <-ctx.Done():
			return &Error{Msg: "dial", Err: ctx.Err()}
		case <-time.After(delay):
		}
		delay *= 2
	}

	return &Error{Msg: "dial", Err: fmt.Errorf("exhausted %d attempts: %w", dialRetryAttempts, lastErr)}
}

// Send frames and transmits message over the connection established by
// Dial.
func (p *Protocol) Send(message Message) error {
	if p.conn == nil {
		return &Error{Msg: "socket not initialized"}
	}
	return Send(p.conn, message)
}

// Receive reads one framed message from the connection established by
// Dial.
func (p *Protocol) Receive() (Message, error) {
	if p.conn == nil {
		return Message{}, &Error{Msg: "socket not initialized"}
	}
	return Receive(p.conn)
}

// Close closes the underlying connection, if any.
func (p *Protocol) Close() error {
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn = nil
	return err
}
