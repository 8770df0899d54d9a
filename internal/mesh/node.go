package mesh

import (
	"bytes"
	"compress/flate"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/rs/xid"

	"github.com/KD9YQK/ardopmeshchat/internal/ax25"
	"github.com/KD9YQK/ardopmeshchat/internal/kiss"
)

// selfLinkMetric is the link metric a node reports for OGMs it originates
// itself (as opposed to ones it forwards on another node's behalf).
const selfLinkMetric = 255

// AppDataCallback is invoked when a DATA frame addressed to this node is
// delivered. It runs on the KISS RX goroutine and must not block for long.
type AppDataCallback func(originID, destID NodeID, seqno uint32, payload []byte)

// Config carries the mesh node's own tunables, independent of the
// underlying link manager's transport/reconnect settings.
type Config struct {
	Callsign         string
	MeshDestCallsign string

	OGMInterval    time.Duration
	OGMTTL         uint8
	RouteExpiry    time.Duration
	NeighborExpiry time.Duration
	DataSeenExpiry time.Duration

	CleanupInterval time.Duration
}

// Node is a full BATMAN-lite style mesh node running over one KISS link: it
// emits OGMs, maintains routing and neighbor tables, forwards and delivers
// DATA frames, and owns its own sequence counter, dedup cache and metrics.
type Node struct {
	cfg    Config
	nodeID NodeID
	logger *log.Logger

	link    *kiss.Link
	routing *RoutingTable
	dedup   *DedupCache
	crypto  *Crypto
	metrics *Metrics

	appCallback AppDataCallback

	seqno atomic.Uint32

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewNode builds a Node. newTransport is forwarded to the underlying link
// manager; appCallback may be nil, in which case delivered DATA frames are
// only logged.
func NewNode(cfg Config, linkCfg kiss.Config, newTransport func() kiss.Transport, key []byte, appCallback AppDataCallback, logger *log.Logger) (*Node, error) {
	if logger == nil {
		logger = log.Default()
	}

	crypto, err := NewCrypto(key)
	if err != nil {
		return nil, fmt.Errorf("mesh: crypto: %w", err)
	}

	n := &Node{
		cfg:         cfg,
		nodeID:      NodeIDFromCallsign(cfg.Callsign),
		logger:      logger.With("instance", xid.New().String()),
		routing:     NewRoutingTable(),
		dedup:       NewDedupCache(),
		crypto:      crypto,
		appCallback: appCallback,
	}

	n.link = kiss.NewLink("mesh", linkCfg, newTransport, n.onKISSFrame, n.logger)
	n.metrics = NewMetrics(n.routing, n.dedup, n.txQueueDepth, n.link.IsConnected)

	return n, nil
}

// NodeID returns this node's derived 8-byte routing identity.
func (n *Node) NodeID() NodeID {
	return n.nodeID
}

// Metrics returns the node's Prometheus collector, for registration.
func (n *Node) Metrics() *Metrics {
	return n.metrics
}

// SetAppCallback wires (or replaces) the callback invoked for DATA frames
// addressed to this node. Intended to be called once during setup, before
// Start; the callback is read on every delivered frame without its own lock
// so concurrent calls after Start are not safe.
func (n *Node) SetAppCallback(cb AppDataCallback) {
	n.appCallback = cb
}

// txQueueDepth is a placeholder hook for the metrics collector; the link
// manager does not currently expose live queue depth, so this reports 0
// until such an accessor exists on kiss.Link.
func (n *Node) txQueueDepth() int {
	return 0
}

// Start brings up the link manager and the node's own OGM and cleanup
// workers. Idempotent.
func (n *Node) Start() {
	if !n.running.CompareAndSwap(false, true) {
		n.logger.Warn("mesh node already running")
		return
	}

	n.ctx, n.cancel = context.WithCancel(context.Background())
	n.link.Start()

	n.wg.Add(2)
	go n.ogmLoop()
	go n.cleanupLoop()
}

// Stop signals the node's own workers and the underlying link manager to
// shut down, waiting up to 5s for the OGM and cleanup workers together and
// then up to 5s for the link's RX and TX workers together.
func (n *Node) Stop() {
	if !n.running.CompareAndSwap(true, false) {
		return
	}

	n.cancel()

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		n.logger.Warn("mesh node workers did not exit within timeout")
	}

	n.link.Stop(5 * time.Second)
}

func (n *Node) nextSeqno() uint32 {
	return n.seqno.Add(1)
}

func (n *Node) wrapInUIFrame(info []byte) []byte {
	return ax25.EncodeUIFrame(n.cfg.MeshDestCallsign, n.cfg.Callsign, info)
}

// SendApplicationData sends payload to destID, compressing and optionally
// encrypting it per §4.6.
func (n *Node) SendApplicationData(destID NodeID, payload []byte) error {
	seqno := n.nextSeqno()

	body, flags, err := n.buildDataBody(destID, seqno, payload)
	if err != nil {
		return fmt.Errorf("mesh: build data body: %w", err)
	}

	header := Header{
		Version:  Version,
		Type:     MsgData,
		Flags:    flags,
		TTL:      n.cfg.OGMTTL,
		OriginID: n.nodeID,
		Seqno:    seqno,
	}

	info := append(header.Encode(), body...)
	frame := n.wrapInUIFrame(info)
	return n.link.Send(frame, true, 5*time.Second)
}

func (n *Node) buildDataBody(destID NodeID, seqno uint32, payload []byte) (body []byte, flags uint8, err error) {
	toSend := payload
	if compressed, ok := deflateCompress(payload); ok {
		toSend = compressed
		flags |= FlagCompressed
	}

	seqnoBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(seqnoBytes, seqno)
	associatedData := append(append(append([]byte{}, n.nodeID[:]...), destID[:]...), seqnoBytes...)

	if n.crypto.EncryptionEnabled() {
		nonce, ciphertext, err := n.crypto.Encrypt(toSend, associatedData)
		if err != nil {
			return nil, 0, err
		}
		flags |= FlagEncrypted
		body = append(append(append(append([]byte{}, destID[:]...), seqnoBytes...), nonce...), ciphertext...)
		return body, flags, nil
	}

	body = append(append([]byte{}, destID[:]...), seqnoBytes...)
	body = append(body, toSend...)
	return body, flags, nil
}

// deflateCompress returns a DEFLATE-compressed copy of data and true only if
// the result is strictly smaller than the input.
func deflateCompress(data []byte) ([]byte, bool) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, false
	}
	if _, err := w.Write(data); err != nil {
		return nil, false
	}
	if err := w.Close(); err != nil {
		return nil, false
	}
	if buf.Len() < len(data) {
		return buf.Bytes(), true
	}
	return nil, false
}

func deflateDecompress(data []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(data))
	defer r.Close()
	return io.ReadAll(r)
}

// onKISSFrame is the link manager's RX callback: parse the AX.25 UI frame,
// extract the mesh header, and dispatch by message type.
func (n *Node) onKISSFrame(frame []byte) {
	info, err := ax25.InfoField(frame)
	if err != nil {
		n.metrics.IncDropped(DropShortFrame)
		return
	}

	header, err := ParseHeader(info)
	if err != nil {
		n.metrics.IncDropped(DropShortFrame)
		return
	}
	if header.Version != Version {
		n.metrics.IncDropped(DropBadVersion)
		return
	}

	body := info[HeaderLen:]

	switch header.Type {
	case MsgOGM:
		n.handleOGM(header, body)
	case MsgData:
		n.handleData(header, body)
	}
}

func (n *Node) handleOGM(header Header, body []byte) {
	if len(body) < NodeIDLen+1 {
		n.metrics.IncDropped(DropShortFrame)
		return
	}

	var prevHop NodeID
	copy(prevHop[:], body[:NodeIDLen])
	linkMetric := body[NodeIDLen]

	n.routing.HandleOGM(header.OriginID, prevHop, header.Seqno, header.TTL, linkMetric, time.Now())

	if header.TTL <= 1 {
		n.metrics.IncDropped(DropTTLExpired)
		return
	}

	fwdHeader := Header{
		Version:  Version,
		Type:     MsgOGM,
		Flags:    0,
		TTL:      header.TTL - 1,
		OriginID: header.OriginID,
		Seqno:    header.Seqno,
	}
	fwdBody := append(append([]byte{}, n.nodeID[:]...), linkMetric)
	info := append(fwdHeader.Encode(), fwdBody...)

	if err := n.link.Send(n.wrapInUIFrame(info), false, 0); err != nil {
		n.logger.Warn("failed to forward ogm", "err", err)
		return
	}
	n.metrics.IncForwarded()
}

func (n *Node) handleData(header Header, body []byte) {
	if n.dedup.CheckAndInsert(header.OriginID, header.Seqno, time.Now()) {
		n.metrics.IncDropped(DropDuplicate)
		return
	}

	if len(body) < NodeIDLen+4 {
		n.metrics.IncDropped(DropShortFrame)
		return
	}

	var destID NodeID
	copy(destID[:], body[:NodeIDLen])
	dataSeq := binary.BigEndian.Uint32(body[NodeIDLen : NodeIDLen+4])
	remainder := body[NodeIDLen+4:]

	seqnoBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(seqnoBytes, dataSeq)
	associatedData := append(append(append([]byte{}, header.OriginID[:]...), destID[:]...), seqnoBytes...)

	appBytes := remainder
	if header.HasFlag(FlagEncrypted) {
		if len(remainder) < NonceLen+1 {
			n.metrics.IncDropped(DropShortFrame)
			return
		}
		nonce := remainder[:NonceLen]
		ciphertext := remainder[NonceLen:]
		plaintext, err := n.crypto.Decrypt(nonce, ciphertext, associatedData)
		if err != nil {
			n.logger.Warn("failed to decrypt data payload", "err", err)
			n.metrics.IncDropped(DropAuthFail)
			return
		}
		appBytes = plaintext
	}

	if header.HasFlag(FlagCompressed) {
		decompressed, err := deflateDecompress(appBytes)
		if err != nil {
			n.logger.Warn("failed to decompress data payload", "err", err)
			n.metrics.IncDropped(DropDecompressFail)
			return
		}
		appBytes = decompressed
	}

	if destID == n.nodeID {
		n.metrics.IncDelivered()
		if n.appCallback != nil {
			n.appCallback(header.OriginID, destID, dataSeq, appBytes)
		} else {
			n.logger.Info("data delivered", "origin", fmt.Sprintf("%x", header.OriginID), "seq", dataSeq)
		}
		return
	}

	if header.TTL <= 1 {
		n.metrics.IncDropped(DropTTLExpired)
		return
	}

	if _, ok := n.routing.BestNextHop(destID); !ok {
		n.metrics.IncDropped(DropNoRoute)
		return
	}

	fwdHeader := Header{
		Version:  Version,
		Type:     MsgData,
		Flags:    header.Flags,
		TTL:      header.TTL - 1,
		OriginID: header.OriginID,
		Seqno:    header.Seqno,
	}
	info := append(fwdHeader.Encode(), body...)

	if err := n.link.Send(n.wrapInUIFrame(info), false, 0); err != nil {
		n.logger.Warn("failed to forward data", "err", err)
		return
	}
	n.metrics.IncForwarded()
}

func (n *Node) ogmLoop() {
	defer n.wg.Done()

	interval := n.cfg.OGMInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		n.emitOGM()
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (n *Node) emitOGM() {
	seqno := n.nextSeqno()
	header := Header{
		Version:  Version,
		Type:     MsgOGM,
		Flags:    0,
		TTL:      n.cfg.OGMTTL,
		OriginID: n.nodeID,
		Seqno:    seqno,
	}
	body := append(append([]byte{}, n.nodeID[:]...), byte(selfLinkMetric))
	info := append(header.Encode(), body...)

	if err := n.link.Send(n.wrapInUIFrame(info), false, 0); err != nil {
		n.logger.Warn("failed to emit ogm", "err", err)
	}
}

func (n *Node) cleanupLoop() {
	defer n.wg.Done()

	interval := n.cfg.CleanupInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			n.routing.Cleanup(now, n.cfg.RouteExpiry, n.cfg.NeighborExpiry)
			n.dedup.Cleanup(now, n.cfg.DataSeenExpiry)
		}
	}
}
