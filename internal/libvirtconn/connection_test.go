package libvirtconn

import (
	"errors"
	"io"
	"log/slog"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestIsConnectedFalseBeforeOpen(t *testing.T) {
	conn := New("/nonexistent/libvirt-sock", testLogger())
	if conn.IsConnected() {
		t.Error("IsConnected() = true before Open(), want false")
	}
}

func TestCloseIdempotentBeforeOpen(t *testing.T) {
	conn := New("/nonexistent/libvirt-sock", testLogger())
	// Close before Open must not panic and must be safe to call repeatedly.
	conn.Close()
	conn.Close()
}

func TestClientErrorsBeforeOpen(t *testing.T) {
	conn := New("/nonexistent/libvirt-sock", testLogger())
	if _, err := conn.Client(); err == nil {
		t.Error("Client() error = nil before Open(), want error")
	}
}

func TestOpenOnUnreachableSocketReturnsConnectionError(t *testing.T) {
	conn := New("/nonexistent/libvirt-sock", testLogger())
	err := conn.Open()
	if err == nil {
		t.Fatal("Open() error = nil for unreachable socket, want error")
	}
	var connErr *Error
	if !errors.As(err, &connErr) {
		t.Errorf("Open() error type = %T, want *Error", err)
	}
}
