package mesh

import (
	"bufio"
	"bytes"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KD9YQK/ardopmeshchat/internal/ax25"
	"github.com/KD9YQK/ardopmeshchat/internal/kiss"
)

func discardLogger() *log.Logger {
	return log.New(discardWriter{})
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// nodeHarness runs a Node against a real in-process TCP "TNC", so frames the
// node transmits can be observed on the wire exactly as a peer node would
// see them.
type nodeHarness struct {
	t    *testing.T
	node *Node
	ln   net.Listener

	conns chan net.Conn
}

func newNodeHarness(t *testing.T, cfg Config, key []byte, cb AppDataCallback) *nodeHarness {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	h := &nodeHarness{t: t, ln: ln, conns: make(chan net.Conn, 4)}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			h.conns <- conn
		}
	}()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	linkCfg := kiss.Config{
		ReconnectBaseDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:  50 * time.Millisecond,
		TXQueueSize:        10,
	}

	node, err := NewNode(cfg, linkCfg, func() kiss.Transport {
		return kiss.NewTCPTransport(host, port)
	}, key, cb, discardLogger())
	require.NoError(t, err)

	h.node = node
	return h
}

func (h *nodeHarness) start() net.Conn {
	h.node.Start()
	select {
	case conn := <-h.conns:
		// The OGM loop sends one self-originated OGM as soon as the node
		// starts; consume it so each test sees only the frames it provokes.
		info, err := ax25.InfoField(readForwardedFrame(h.t, conn))
		require.NoError(h.t, err)
		first, err := ParseHeader(info)
		require.NoError(h.t, err)
		require.Equal(h.t, MsgOGM, first.Type)
		require.Equal(h.t, h.node.NodeID(), first.OriginID)
		return conn
	case <-time.After(time.Second):
		h.t.Fatal("node never connected")
		return nil
	}
}

func (h *nodeHarness) stop() {
	h.node.Stop()
	h.ln.Close()
}

// readForwardedFrame reads the next KISS-framed, deframed AX.25 frame off
// conn, failing the test if none arrives within the timeout.
func readForwardedFrame(t *testing.T, conn net.Conn) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	scanner := bufio.NewScanner(conn)
	scanner.Split(kiss.Split)
	require.True(t, scanner.Scan())
	frame, ok := kiss.Deframe(scanner.Bytes())
	require.True(t, ok)
	return frame
}

func testConfig() Config {
	return Config{
		Callsign:         "NODEA",
		MeshDestCallsign: "QMESH-0",
		OGMInterval:      time.Hour, // only the OGM sent at start, which start() consumes
		OGMTTL:           5,
		RouteExpiry:      time.Minute,
		NeighborExpiry:   time.Minute,
		DataSeenExpiry:   time.Minute,
		CleanupInterval:  time.Hour,
	}
}

func buildOGMFrame(origin, prevHop NodeID, seqno uint32, ttl, linkMetric uint8) []byte {
	header := Header{Version: Version, Type: MsgOGM, TTL: ttl, OriginID: origin, Seqno: seqno}
	body := append(append([]byte{}, prevHop[:]...), linkMetric)
	info := append(header.Encode(), body...)
	return ax25.EncodeUIFrame("QMESH-0", "REMOTE", info)
}

func buildDataFrame(origin, dest NodeID, seqno uint32, ttl uint8, flags uint8, dataSeq uint32, remainder []byte) []byte {
	header := Header{Version: Version, Type: MsgData, TTL: ttl, Flags: flags, OriginID: origin, Seqno: seqno}
	seqBytes := []byte{byte(dataSeq >> 24), byte(dataSeq >> 16), byte(dataSeq >> 8), byte(dataSeq)}
	body := append(append(append([]byte{}, dest[:]...), seqBytes...), remainder...)
	info := append(header.Encode(), body...)
	return ax25.EncodeUIFrame("QMESH-0", "REMOTE", info)
}

func TestNodeForwardsOGMWithDecrementedTTL(t *testing.T) {
	h := newNodeHarness(t, testConfig(), nil, nil)
	conn := h.start()
	defer h.stop()
	defer conn.Close()

	origin := NodeIDFromCallsign("ORIGIN")
	prevHop := NodeIDFromCallsign("PREVHOP")
	frame := buildOGMFrame(origin, prevHop, 7, 5, 200)

	h.node.onKISSFrame(frame)

	fwd := readForwardedFrame(t, conn)
	info, err := ax25.InfoField(fwd)
	require.NoError(t, err)
	fwdHeader, err := ParseHeader(info)
	require.NoError(t, err)

	assert.Equal(t, MsgOGM, fwdHeader.Type)
	assert.EqualValues(t, 4, fwdHeader.TTL)
	assert.Equal(t, origin, fwdHeader.OriginID)
	assert.EqualValues(t, 7, fwdHeader.Seqno)

	body := info[HeaderLen:]
	assert.Equal(t, h.node.NodeID(), NodeID(body[:NodeIDLen]))
	assert.EqualValues(t, 200, body[NodeIDLen])

	entry, ok := h.node.routing.Originator(origin)
	require.True(t, ok)
	assert.Equal(t, prevHop, entry.BestNextHop)
}

func TestNodeDoesNotForwardOGMAtTTLOne(t *testing.T) {
	h := newNodeHarness(t, testConfig(), nil, nil)
	conn := h.start()
	defer h.stop()
	defer conn.Close()

	frame := buildOGMFrame(NodeIDFromCallsign("ORIGIN"), NodeIDFromCallsign("PREVHOP"), 1, 1, 100)
	h.node.onKISSFrame(frame)

	conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	buf := make([]byte, 16)
	_, err := conn.Read(buf)
	assert.Error(t, err, "expected no frame to be forwarded when ttl <= 1")
}

func TestNodeDeliversDataAddressedToSelf(t *testing.T) {
	var delivered []byte
	var gotOrigin NodeID
	cb := func(origin, dest NodeID, seqno uint32, payload []byte) {
		gotOrigin = origin
		delivered = payload
	}

	h := newNodeHarness(t, testConfig(), nil, cb)
	conn := h.start()
	defer h.stop()
	defer conn.Close()

	origin := NodeIDFromCallsign("ORIGIN")
	frame := buildDataFrame(origin, h.node.NodeID(), 1, 5, 0, 1, []byte("hi"))
	h.node.onKISSFrame(frame)

	require.Eventually(t, func() bool { return delivered != nil }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []byte("hi"), delivered)
	assert.Equal(t, origin, gotOrigin)
}

func TestNodeDedupDropsSecondIdenticalFrame(t *testing.T) {
	var deliveries int
	cb := func(origin, dest NodeID, seqno uint32, payload []byte) {
		deliveries++
	}

	h := newNodeHarness(t, testConfig(), nil, cb)
	conn := h.start()
	defer h.stop()
	defer conn.Close()

	frame := buildDataFrame(NodeIDFromCallsign("ORIGIN"), h.node.NodeID(), 42, 5, 0, 1, []byte("once"))
	h.node.onKISSFrame(frame)
	h.node.onKISSFrame(frame)

	require.Eventually(t, func() bool { return deliveries >= 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, deliveries)
}

func TestNodeDoesNotForwardDataAtTTLOne(t *testing.T) {
	h := newNodeHarness(t, testConfig(), nil, nil)
	conn := h.start()
	defer h.stop()
	defer conn.Close()

	dest := NodeIDFromCallsign("FARAWAY")
	frame := buildDataFrame(NodeIDFromCallsign("ORIGIN"), dest, 1, 1, 0, 1, []byte("x"))
	h.node.onKISSFrame(frame)

	conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	buf := make([]byte, 16)
	_, err := conn.Read(buf)
	assert.Error(t, err, "ttl<=1 data must not be forwarded")
}

func TestNodeForwardsDataToKnownRouteVerbatimBody(t *testing.T) {
	h := newNodeHarness(t, testConfig(), nil, nil)
	conn := h.start()
	defer h.stop()
	defer conn.Close()

	dest := NodeIDFromCallsign("FARAWAY")
	nextHop := NodeIDFromCallsign("NEXTHOP")
	h.node.routing.HandleOGM(dest, nextHop, 1, 5, 100, time.Now())

	origin := NodeIDFromCallsign("ORIGIN")
	frame := buildDataFrame(origin, dest, 1, 5, 0, 1, []byte("payload"))
	h.node.onKISSFrame(frame)

	fwd := readForwardedFrame(t, conn)
	info, err := ax25.InfoField(fwd)
	require.NoError(t, err)
	fwdHeader, err := ParseHeader(info)
	require.NoError(t, err)

	assert.EqualValues(t, 4, fwdHeader.TTL)
	assert.Equal(t, origin, fwdHeader.OriginID)

	origInfo, err := ax25.InfoField(frame)
	require.NoError(t, err)
	assert.Equal(t, origInfo[HeaderLen:], info[HeaderLen:], "forwarded body must be byte-identical (opaque forwarding)")
}

func TestNodeDropsDataWithNoRoute(t *testing.T) {
	h := newNodeHarness(t, testConfig(), nil, nil)
	conn := h.start()
	defer h.stop()
	defer conn.Close()

	frame := buildDataFrame(NodeIDFromCallsign("ORIGIN"), NodeIDFromCallsign("UNKNOWN"), 1, 5, 0, 1, []byte("x"))
	h.node.onKISSFrame(frame)

	conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	buf := make([]byte, 16)
	_, err := conn.Read(buf)
	assert.Error(t, err, "data with no known route must be dropped, not forwarded")
}

func TestNodeBuildDataBodyCompressionElection(t *testing.T) {
	h := newNodeHarness(t, testConfig(), nil, nil)

	compressible := bytes.Repeat([]byte{0x41}, 1024)
	_, flags, err := h.node.buildDataBody(NodeIDFromCallsign("DEST"), 1, compressible)
	require.NoError(t, err)
	assert.NotZero(t, flags&FlagCompressed)

	random := []byte{0x3a, 0x91, 0x02, 0xff, 0x18, 0x77, 0xbe, 0x04}
	_, flags, err = h.node.buildDataBody(NodeIDFromCallsign("DEST"), 2, random)
	require.NoError(t, err)
	assert.Zero(t, flags&FlagCompressed)
}

func TestNodeEncryptedDataTamperedAuthFails(t *testing.T) {
	key := bytes.Repeat([]byte{0x55}, 32)
	var delivered bool
	cb := func(origin, dest NodeID, seqno uint32, payload []byte) { delivered = true }

	h := newNodeHarness(t, testConfig(), key, cb)
	conn := h.start()
	defer h.stop()
	defer conn.Close()

	dest := h.node.NodeID()
	body, flags, err := h.node.buildDataBody(dest, 1, []byte("secret"))
	require.NoError(t, err)

	// Flip a bit deep enough in the body to land in the ciphertext, not the
	// dest/seqno/nonce prefix.
	tampered := append([]byte{}, body...)
	tampered[len(tampered)-1] ^= 0xFF

	header := Header{Version: Version, Type: MsgData, TTL: 5, Flags: flags, OriginID: NodeIDFromCallsign("ORIGIN"), Seqno: 1}
	info := append(header.Encode(), tampered...)
	frame := ax25.EncodeUIFrame("QMESH-0", "REMOTE", info)

	h.node.onKISSFrame(frame)

	time.Sleep(100 * time.Millisecond)
	assert.False(t, delivered)
}

// TestNodeThreeHopDataDeliversWithDecrementingTTL exercises a full
// origin -> relay -> destination chain: a relay node with a learned route to
// the destination forwards a DATA frame with TTL decremented by one, and the
// destination node (fed the forwarded wire bytes directly) delivers it to
// its application callback unchanged.
func TestNodeThreeHopDataDeliversWithDecrementingTTL(t *testing.T) {
	origin := NodeIDFromCallsign("ORIGIN")

	relayCfg := testConfig()
	relayCfg.Callsign = "RELAY"
	hRelay := newNodeHarness(t, relayCfg, nil, nil)
	connRelay := hRelay.start()
	defer hRelay.stop()
	defer connRelay.Close()

	destCfg := testConfig()
	destCfg.Callsign = "DEST"
	var delivered []byte
	cbDest := func(origin, dest NodeID, seqno uint32, payload []byte) { delivered = payload }
	nodeDest, err := NewNode(destCfg, kiss.Config{TXQueueSize: 10}, func() kiss.Transport { return nil }, nil, cbDest, discardLogger())
	require.NoError(t, err)

	// Relay learns a route to the destination via a prior OGM exchange.
	hRelay.node.routing.HandleOGM(nodeDest.NodeID(), NodeIDFromCallsign("SOMENEIGHBOR"), 1, 5, 50, time.Now())

	frame := buildDataFrame(origin, nodeDest.NodeID(), 1, 3, 0, 1, []byte("three hop payload"))
	hRelay.node.onKISSFrame(frame)

	fwd := readForwardedFrame(t, connRelay)
	info, err := ax25.InfoField(fwd)
	require.NoError(t, err)
	fwdHeader, err := ParseHeader(info)
	require.NoError(t, err)
	assert.EqualValues(t, 2, fwdHeader.TTL)
	assert.Equal(t, origin, fwdHeader.OriginID)

	nodeDest.onKISSFrame(fwd)

	require.Eventually(t, func() bool { return delivered != nil }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []byte("three hop payload"), delivered)
}

// TestNodeChatShapedPayloadSurvivesRelayHop checks that a chat-envelope-shaped
// payload (channel\x00nick\x00text, the format internal/chatapp builds)
// passes through a relay hop byte-for-byte, since the relay never inspects
// or re-encodes DATA bodies.
func TestNodeChatShapedPayloadSurvivesRelayHop(t *testing.T) {
	origin := NodeIDFromCallsign("ALICE")

	relayCfg := testConfig()
	relayCfg.Callsign = "RELAY"
	hRelay := newNodeHarness(t, relayCfg, nil, nil)
	connRelay := hRelay.start()
	defer hRelay.stop()
	defer connRelay.Close()

	destCfg := testConfig()
	destCfg.Callsign = "BOB"
	var delivered []byte
	cbDest := func(origin, dest NodeID, seqno uint32, payload []byte) { delivered = payload }
	nodeDest, err := NewNode(destCfg, kiss.Config{TXQueueSize: 10}, func() kiss.Transport { return nil }, nil, cbDest, discardLogger())
	require.NoError(t, err)

	hRelay.node.routing.HandleOGM(nodeDest.NodeID(), NodeIDFromCallsign("SOMENEIGHBOR"), 1, 5, 50, time.Now())

	envelope := []byte("general\x00alice\x00hi bob, two hops away")
	frame := buildDataFrame(origin, nodeDest.NodeID(), 1, 3, 0, 1, envelope)
	hRelay.node.onKISSFrame(frame)

	fwd := readForwardedFrame(t, connRelay)
	nodeDest.onKISSFrame(fwd)

	require.Eventually(t, func() bool { return delivered != nil }, time.Second, 5*time.Millisecond)
	assert.Equal(t, envelope, delivered)
}

func TestNodeSendApplicationDataRoundTripsWithPeerNode(t *testing.T) {
	key := bytes.Repeat([]byte{0x77}, 32)
	var delivered []byte

	// Node A connects through the harness TCP TNC; we hand-build what a
	// receiving peer node would see and feed it back into a second, directly
	// constructed Node sharing node A's "wire" via the harness connection,
	// exercising Send -> wire encode -> recipient decode end to end.
	cbB := func(origin, dest NodeID, seqno uint32, payload []byte) { delivered = payload }

	cfgA := testConfig()
	cfgA.Callsign = "NODEA"
	hA := newNodeHarness(t, cfgA, key, nil)
	connA := hA.start()
	defer hA.stop()
	defer connA.Close()

	cfgB := testConfig()
	cfgB.Callsign = "NODEB"
	nodeB, err := NewNode(cfgB, kiss.Config{TXQueueSize: 10}, func() kiss.Transport { return nil }, key, cbB, discardLogger())
	require.NoError(t, err)

	require.NoError(t, hA.node.SendApplicationData(nodeB.NodeID(), []byte("hello mesh")))

	frame := readForwardedFrame(t, connA)
	nodeB.onKISSFrame(frame)

	require.Eventually(t, func() bool { return delivered != nil }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []byte("hello mesh"), delivered)
}
