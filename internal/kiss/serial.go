package kiss

import (
	"fmt"
	"sync"

	"github.com/pkg/term"
)

// SerialTransport opens a real hardware TNC attached to a serial (or
// USB-serial) port and speaks KISS framing over it.
type SerialTransport struct {
	port string
	baud int

	mu     sync.Mutex
	fd     *term.Term
	reader *frameReader
}

// NewSerialTransport returns a Transport for a serial-attached TNC at port,
// baud. The port is not opened until Open is called.
func NewSerialTransport(port string, baud int) *SerialTransport {
	return &SerialTransport{port: port, baud: baud}
}

func (s *SerialTransport) Name() string {
	return fmt.Sprintf("serial://%s@%d", s.port, s.baud)
}

func (s *SerialTransport) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fd != nil {
		return fmt.Errorf("kiss: %s already open", s.Name())
	}
	fd, err := term.Open(s.port, term.RawMode)
	if err != nil {
		return fmt.Errorf("kiss: open %s: %w", s.Name(), err)
	}

	if s.baud > 0 {
		if err := fd.SetSpeed(s.baud); err != nil {
			fd.Close()
			return fmt.Errorf("kiss: set speed on %s: %w", s.Name(), err)
		}
	}

	s.fd = fd
	s.reader = newFrameReader(fd)
	return nil
}

func (s *SerialTransport) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fd == nil {
		return nil
	}
	err := s.fd.Close()
	s.fd = nil
	s.reader = nil
	return err
}

func (s *SerialTransport) ReadFrame() ([]byte, error) {
	s.mu.Lock()
	reader := s.reader
	s.mu.Unlock()

	if reader == nil {
		return nil, fmt.Errorf("kiss: %s not open", s.Name())
	}
	return reader.next()
}

func (s *SerialTransport) WriteFrame(payload []byte) error {
	s.mu.Lock()
	fd := s.fd
	s.mu.Unlock()

	if fd == nil {
		return fmt.Errorf("kiss: %s not open", s.Name())
	}
	_, err := fd.Write(Frame(payload))
	return err
}
