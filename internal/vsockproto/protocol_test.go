package vsockproto

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"testing"
)

func TestFramingConcreteScenario(t *testing.T) {
	m := NewMessage("ping", []byte{})
	frame := Frame(m)

	wantHeader := []byte{0x00, 0x00, 0x00, 0x04, 0x00, 0x00, 0x00, 0x00}
	if !bytes.Equal(frame[:8], wantHeader) {
		t.Errorf("header = % x, want % x", frame[:8], wantHeader)
	}

	if string(frame[8:12]) != "ping" {
		t.Errorf("command bytes = %q, want %q", frame[8:12], "ping")
	}

	sum := sha256.Sum256([]byte("ping"))
	wantChecksum := hex.EncodeToString(sum[:])
	if string(frame[12:12+64]) != wantChecksum {
		t.Errorf("checksum = %q, want %q", frame[12:12+64], wantChecksum)
	}
}

func TestParseRecoversMessage(t *testing.T) {
	m := NewMessage("execute", []byte("/mnt/agent/input/agent.py"))
	frame := Frame(m)

	got, err := Parse(frame)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if got.Command != m.Command || !bytes.Equal(got.Payload, m.Payload) {
		t.Errorf("Parse() = %+v, want %+v", got, m)
	}
}

func TestParseRejectsBitMutationOutsideChecksum(t *testing.T) {
	m := NewMessage("ping", []byte("hello"))
	frame := Frame(m)

	mutated := make([]byte, len(frame))
	copy(mutated, frame)
	mutated[9] ^= 0x01 // flip a bit inside the command bytes

	_, err := Parse(mutated)
	if err == nil {
		t.Fatal("Parse() error = nil for mutated frame, want checksum error")
	}
}

func TestParseTooShortFrame(t *testing.T) {
	_, err := Parse([]byte{0x00, 0x00})
	if err == nil {
		t.Fatal("Parse() error = nil for too-short frame, want error")
	}
}

func TestParseInvalidUTF8Command(t *testing.T) {
	frame := Frame(NewMessage("ping", nil))
	// Corrupt the command bytes into invalid UTF-8 while keeping lengths
	// intact, then recompute nothing (checksum will also mismatch, but
	// we want to confirm invalid UTF-8 is still reported as an error).
	mutated := make([]byte, len(frame))
	copy(mutated, frame)
	mutated[8] = 0xff
	mutated[9] = 0xfe

	_, err := Parse(mutated)
	if err == nil {
		t.Fatal("Parse() error = nil for invalid utf-8 command, want error")
	}
}

func TestSendReceiveRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	m := NewMessage("result", []byte(`{"exit_code":0}`))

	if err := Send(&buf, m); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	got, err := Receive(&buf)
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if got.Command != m.Command || !bytes.Equal(got.Payload, m.Payload) {
		t.Errorf("Receive() = %+v, want %+v", got, m)
	}
}

type shortReader struct {
	data []byte
}

func (r *shortReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.data)
	r.data = r.data[n:]
	return n, nil
}

func TestReceiveShortReadFails(t *testing.T) {
	m := NewMessage("ping", []byte("hello"))
	frame := Frame(m)

	r := &shortReader{data: frame[:len(frame)-10]}
	_, err := Receive(r)
	if err == nil {
		t.Fatal("Receive() error = nil for truncated stream, want error")
	}
}

func TestNewValidatesCIDAndPort(t *testing.T) {
	if _, err := New(0, 9000, nil); err == nil {
		t.Error("New() error = nil for cid=0, want error")
	}
	if _, err := New(3, 70000, nil); err == nil {
		t.Error("New() error = nil for port > 65535, want error")
	}
}

func TestProtocolSendBeforeDialFails(t *testing.T) {
	p, err := New(3, 9000, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	err = p.Send(NewMessage("ping", nil))
	if err == nil {
		t.Fatal("Send() error = nil before Dial(), want error")
	}
	var pErr *Error
	if !errors.As(err, &pErr) {
		t.Errorf("Send() error type = %T, want *Error", err)
	}
}
