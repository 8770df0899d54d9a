package kiss

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
)

// Errors returned by Link's public API.
var (
	ErrNotRunning = errors.New("kiss: link is not running")
	ErrQueueFull  = errors.New("kiss: tx queue is full")
)

// emptySentinel is enqueued to wake the TX worker on shutdown; it is
// discarded rather than transmitted.
var emptySentinel = []byte{}

// Config carries the link manager's own tunables, independent of how the
// caller chose to build its Transport.
type Config struct {
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	TXQueueSize        int
}

// RXCallback is invoked once per deframed AX.25 frame received from the TNC.
// It must not block for long: it runs on the RX worker goroutine.
type RXCallback func(frame []byte)

// Link owns one KISS transport connection end to end: connecting with
// backoff, running RX and TX workers concurrently, and exposing a bounded
// send queue to callers above it. It mirrors the structure (and the exact
// backoff/reconnect state machine) of the reference KISSClient this module
// was translated from, using goroutines, channels and context.Context in
// place of Python threads, queues and events.
type Link struct {
	name      string
	cfg       Config
	newTransport func() Transport
	rxCallback   RXCallback
	logger       *log.Logger

	mu        sync.Mutex
	transport Transport
	connected atomic.Bool
	running   atomic.Bool

	// connectMu keeps the RX and TX workers from dialing at the same time.
	connectMu sync.Mutex

	txQueue chan []byte

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewLink builds a Link. newTransport is called each time a fresh connection
// attempt is made, so it should return a new, unopened Transport (e.g.
// `func() kiss.Transport { return kiss.NewTCPTransport(host, port) }`).
func NewLink(name string, cfg Config, newTransport func() Transport, rxCallback RXCallback, logger *log.Logger) *Link {
	if cfg.TXQueueSize <= 0 {
		cfg.TXQueueSize = 1000
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Link{
		name:         name,
		cfg:          cfg,
		newTransport: newTransport,
		rxCallback:   rxCallback,
		logger:       logger.With("link", name),
	}
}

// Start spawns the RX and TX workers. It is idempotent: calling Start on an
// already-running Link logs a warning and returns immediately.
func (l *Link) Start() {
	if !l.running.CompareAndSwap(false, true) {
		l.logger.Warn("link already running")
		return
	}

	l.ctx, l.cancel = context.WithCancel(context.Background())
	l.txQueue = make(chan []byte, l.cfg.TXQueueSize)

	l.wg.Add(2)
	go l.rxLoop()
	go l.txLoop()
}

// Stop signals both workers to exit, waits up to timeout for the two of them
// together (one shared wait, not one per worker), and closes the underlying
// transport.
func (l *Link) Stop(timeout time.Duration) {
	if !l.running.CompareAndSwap(true, false) {
		return
	}

	l.cancel()

	// Wake the TX worker, which otherwise blocks on the queue.
	select {
	case l.txQueue <- emptySentinel:
	default:
		l.logger.Warn("tx queue full while stopping; forcing shutdown")
	}

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		l.logger.Warn("workers did not exit within timeout", "timeout", timeout)
	}

	l.mu.Lock()
	if l.transport != nil {
		if err := l.transport.Close(); err != nil {
			l.logger.Warn("error closing transport", "err", err)
		}
		l.transport = nil
	}
	l.connected.Store(false)
	l.mu.Unlock()
}

// Send enqueues one AX.25 frame for transmission. If block is false and the
// queue is full, it returns ErrQueueFull immediately; if block is true it
// waits up to timeout (or forever if timeout <= 0).
func (l *Link) Send(frame []byte, block bool, timeout time.Duration) error {
	if !l.running.Load() {
		return ErrNotRunning
	}

	if !block {
		select {
		case l.txQueue <- frame:
			return nil
		default:
			return ErrQueueFull
		}
	}

	if timeout <= 0 {
		select {
		case l.txQueue <- frame:
			return nil
		case <-l.ctx.Done():
			return ErrNotRunning
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case l.txQueue <- frame:
		return nil
	case <-timer.C:
		return ErrQueueFull
	case <-l.ctx.Done():
		return ErrNotRunning
	}
}

// IsConnected reports whether the link currently believes it has a live
// transport connection.
func (l *Link) IsConnected() bool {
	return l.connected.Load()
}

// connectWithBackoff loops opening a fresh transport until it succeeds or
// the link is stopped, doubling the retry delay (capped at
// ReconnectMaxDelay) after each failure. Only one worker runs it at a time;
// the other waits and then finds the link already connected.
func (l *Link) connectWithBackoff() {
	l.connectMu.Lock()
	defer l.connectMu.Unlock()

	delay := l.cfg.ReconnectBaseDelay
	if delay <= 0 {
		delay = 5 * time.Second
	}

	for l.running.Load() && !l.connected.Load() {
		transport := l.newTransport()
		if err := transport.Open(); err != nil {
			l.logger.Warn("connection failed; retrying", "err", err, "delay", delay)
			select {
			case <-time.After(delay):
			case <-l.ctx.Done():
				return
			}
			if delay < l.cfg.ReconnectMaxDelay {
				delay *= 2
				if delay > l.cfg.ReconnectMaxDelay {
					delay = l.cfg.ReconnectMaxDelay
				}
			}
			continue
		}

		l.mu.Lock()
		l.transport = transport
		l.mu.Unlock()
		l.connected.Store(true)
		l.logger.Info("connection established", "transport", transport.Name())
		return
	}
}

func (l *Link) dropConnection() {
	l.mu.Lock()
	if l.transport != nil {
		l.transport.Close()
		l.transport = nil
	}
	l.mu.Unlock()
	l.connected.Store(false)
}

func (l *Link) rxLoop() {
	defer l.wg.Done()

	for l.running.Load() {
		if !l.connected.Load() {
			l.connectWithBackoff()
			if !l.connected.Load() {
				continue
			}
		}

		l.mu.Lock()
		transport := l.transport
		l.mu.Unlock()
		if transport == nil {
			l.connected.Store(false)
			continue
		}

		frame, err := transport.ReadFrame()
		if err != nil {
			if !l.running.Load() {
				return
			}
			l.logger.Warn("rx lost connection; reconnecting", "err", err)
			l.dropConnection()
			continue
		}

		l.safeDeliver(frame)
	}
}

// safeDeliver invokes the user RX callback, recovering from any panic so a
// fault in caller code can never kill the RX worker (matching the Python
// reference's catch-and-log-and-swallow RX callback wrapper).
func (l *Link) safeDeliver(frame []byte) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Warn("rx callback panicked; frame dropped", "recovered", fmt.Sprint(r))
		}
	}()
	l.rxCallback(frame)
}

func (l *Link) txLoop() {
	defer l.wg.Done()

	for {
		var frame []byte
		select {
		case frame = <-l.txQueue:
		case <-l.ctx.Done():
			return
		}

		if !l.running.Load() {
			return
		}
		if len(frame) == 0 {
			continue
		}

		if !l.connected.Load() {
			l.connectWithBackoff()
			if !l.connected.Load() {
				l.logger.Warn("dropping tx frame: no connection available")
				continue
			}
		}

		l.mu.Lock()
		transport := l.transport
		l.mu.Unlock()
		if transport == nil {
			l.logger.Warn("dropping tx frame: no connection available")
			continue
		}

		if err := transport.WriteFrame(frame); err != nil {
			l.logger.Warn("error writing frame; dropping connection and retrying", "err", err)
			l.dropConnection()
		}
	}
}
