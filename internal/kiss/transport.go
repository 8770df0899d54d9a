package kiss

import (
	"bufio"
	"io"
)

// Transport is the capability set the link manager needs from either a
// serial-attached or TCP-attached TNC: open/close, write a KISS-framed
// datagram, and read the next deframed AX.25 payload. Two concrete transports
// (tcp.go, serial.go) satisfy it; the link manager never depends on either
// directly.
type Transport interface {
	// Open establishes the underlying connection. Calling Open on an
	// already-open Transport is an error.
	Open() error

	// Close releases the underlying connection. Close on a closed or
	// never-opened Transport is a no-op.
	Close() error

	// ReadFrame blocks until one full AX.25 payload has been deframed from
	// the wire, or returns an error (including io.EOF) on disconnect.
	ReadFrame() ([]byte, error)

	// WriteFrame KISS-frames payload and writes it to the wire.
	WriteFrame(payload []byte) error

	// Name identifies the transport for logging, e.g. "tcp://host:port".
	Name() string
}

// frameReader wraps a bufio.Scanner configured with Split over an
// io.Reader, giving every Transport the same "read one KISS frame" behavior
// without duplicating the scanner setup.
type frameReader struct {
	scanner *bufio.Scanner
}

func newFrameReader(r io.Reader) *frameReader {
	scanner := bufio.NewScanner(r)
	scanner.Split(Split)
	scanner.Buffer(make([]byte, 4096), 1<<20)
	return &frameReader{scanner: scanner}
}

func (fr *frameReader) next() ([]byte, error) {
	for fr.scanner.Scan() {
		content := fr.scanner.Bytes()
		payload, ok := Deframe(content)
		if !ok {
			continue
		}
		return payload, nil
	}
	if err := fr.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}
