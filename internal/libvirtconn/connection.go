// Package libvirtconn manages the session lifecycle to the libvirt backend.
package libvirtconn

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/digitalocean/go-libvirt"
	"github.com/digitalocean/go-libvirt/socket/dialers"
)

const defaultURI = "qemu:///system"

// Error wraps a backend-unreachable or dead-session failure.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("libvirtconn: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Connection is an opaque session handle to a qemu:///system style URI.
// It is safe for concurrent use: the underlying libvirt RPC client
// multiplexes calls over a single connection.
type Connection struct {
	mu     sync.Mutex
	socket string
	client *libvirt.Libvirt
	logger *slog.Logger
}

// New creates a Connection bound to a libvirt socket path. The session is
// not opened until Open is called.
func New(socketPath string, logger *slog.Logger) *Connection {
	return &Connection{socket: socketPath, logger: logger}
}

// Open establishes the session. It is idempotent: calling Open on an
// already-live connection is a no-op.
func (c *Connection) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return nil
	}

	dialer := dialers.NewLocal(dialers.WithSocket(c.socket), dialers.WithRemote())
	client := libvirt.NewWithDialer(dialer)
	if err := client.ConnectToURI(libvirt.ConnectURI(defaultURI)); err != nil {
		return &Error{Op: "open", Err: err}
	}

	c.client = client
	c.logger.Info("libvirt connection opened", "socket", c.socket)
	return nil
}

// Close ends the session. It is idempotent, never returns an error to the
// caller, and always resets the internal handle so a subsequent Open can
// recreate it. Any close error is logged and swallowed to guarantee
// resource reclamation.
func (c *Connection) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return
	}

	if err := c.client.Disconnect(); err != nil {
		c.logger.Warn("libvirt disconnect failed", "error", err)
	}
	c.client = nil
}

// IsConnected probes the session with a cheap RPC call. It never returns
// an error: any failure is treated as "not connected".
func (c *Connection) IsConnected() bool {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()

	if client == nil {
		return false
	}
	if _, err := client.ConnectGetLibVersion(); err != nil {
		return false
	}
	return true
}

// Client returns the underlying RPC client for use by VM, Snapshot and
// other packages that issue libvirt calls directly. It returns an error
// if the session has not been opened.
func (c *Connection) Client() (*libvirt.Libvirt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil, &Error{Op: "client", Err: fmt.Errorf("connection not open")}
	}
	return c.client, nil
}

// Acquire opens the connection and returns a release function that closes
// it, so callers can use a scoped-acquisition pattern:
//
//	conn, release, err := Acquire(socket, logger)
//	if err != nil { return err }
//	defer release()
func Acquire(socketPath string, logger *slog.Logger) (*Connection, func(), error) {
	conn := New(socketPath, logger)
	if err := conn.Open(); err != nil {
		return nil, nil, err
	}
	return conn, conn.Close, nil
}
