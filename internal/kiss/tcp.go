package kiss

import (
	"fmt"
	"net"
	"sync"
	"time"
)

// TCPTransport dials a software TNC (e.g. Direwolf in KISS-over-TCP mode) and
// speaks KISS framing over the resulting stream connection.
type TCPTransport struct {
	host string
	port int

	mu     sync.Mutex
	conn   net.Conn
	reader *frameReader
}

// NewTCPTransport returns a Transport for a TCP KISS TNC at host:port. The
// connection is not made until Open is called.
func NewTCPTransport(host string, port int) *TCPTransport {
	return &TCPTransport{host: host, port: port}
}

func (t *TCPTransport) Name() string {
	return fmt.Sprintf("tcp://%s:%d", t.host, t.port)
}

func (t *TCPTransport) Open() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil {
		return fmt.Errorf("kiss: %s already open", t.Name())
	}
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", t.host, t.port), 10*time.Second)
	if err != nil {
		return fmt.Errorf("kiss: dial %s: %w", t.Name(), err)
	}
	t.conn = conn
	t.reader = newFrameReader(conn)
	return nil
}

func (t *TCPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	t.reader = nil
	return err
}

func (t *TCPTransport) ReadFrame() ([]byte, error) {
	t.mu.Lock()
	reader := t.reader
	t.mu.Unlock()

	if reader == nil {
		return nil, fmt.Errorf("kiss: %s not open", t.Name())
	}
	return reader.next()
}

func (t *TCPTransport) WriteFrame(payload []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("kiss: %s not open", t.Name())
	}
	_, err := conn.Write(Frame(payload))
	return err
}
