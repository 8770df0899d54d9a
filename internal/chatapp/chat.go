// Package chatapp binds a static nickname directory to a mesh node,
// encoding and decoding the small chat envelope carried inside mesh DATA
// frames and appending received messages to a chat store.
package chatapp

import (
	"bytes"
	"fmt"
	"time"

	"github.com/KD9YQK/ardopmeshchat/internal/chatstore"
	"github.com/KD9YQK/ardopmeshchat/internal/mesh"
)

const envelopeSeparator = 0x00

// Sender is the subset of *mesh.Node the chat app needs, kept as an
// interface so tests can stub it without a live link.
type Sender interface {
	NodeID() mesh.NodeID
	SendApplicationData(dest mesh.NodeID, payload []byte) error
}

// App binds a nickname <-> node ID directory to a mesh node and a chat
// store.
type App struct {
	node  Sender
	store *chatstore.Store

	byNick   map[string]mesh.NodeID
	byNodeID map[mesh.NodeID]string
}

// NewApp builds a chat App from a static nick -> node ID directory, loaded
// from configuration.
func NewApp(node Sender, store *chatstore.Store, peers map[string]mesh.NodeID) *App {
	byNodeID := make(map[mesh.NodeID]string, len(peers))
	for nick, id := range peers {
		byNodeID[id] = nick
	}
	return &App{node: node, store: store, byNick: peers, byNodeID: byNodeID}
}

// ErrUnknownPeer is returned by SendText when nick is not in the directory.
type ErrUnknownPeer string

func (e ErrUnknownPeer) Error() string {
	return fmt.Sprintf("chatapp: unknown peer nickname %q", string(e))
}

// SendText resolves nick to a node ID and sends channel/text as a chat
// envelope over the mesh.
func (a *App) SendText(nick, channel, text string) error {
	dest, ok := a.byNick[nick]
	if !ok {
		return ErrUnknownPeer(nick)
	}

	envelope := encodeEnvelope(channel, a.localNick(), text)
	return a.node.SendApplicationData(dest, envelope)
}

// localNick returns this node's own nickname if it appears in the
// directory (keyed by its own node ID), or its node ID in hex otherwise.
func (a *App) localNick() string {
	if nick, ok := a.byNodeID[a.node.NodeID()]; ok {
		return nick
	}
	return fmt.Sprintf("%x", a.node.NodeID())
}

// OnDeliver is the mesh node's AppDataCallback: it decodes the chat
// envelope and appends it to the chat store, reverse-resolving origin to a
// nickname when known.
func (a *App) OnDeliver(origin, dest mesh.NodeID, seqno uint32, payload []byte) {
	channel, nick, text, err := decodeEnvelope(payload)
	if err != nil {
		return
	}

	if knownNick, ok := a.byNodeID[origin]; ok {
		nick = knownNick
	} else if nick == "" {
		nick = fmt.Sprintf("%x", origin)
	}

	a.store.AddMessage(origin, seqno, channel, nick, text, float64(nowUnix()))
}

// nowUnix is a seam so tests can stamp deterministic timestamps if needed;
// production code always calls time.Now().
var nowUnix = func() int64 { return time.Now().Unix() }

func encodeEnvelope(channel, nick, text string) []byte {
	buf := make([]byte, 0, len(channel)+len(nick)+len(text)+2)
	buf = append(buf, []byte(channel)...)
	buf = append(buf, envelopeSeparator)
	buf = append(buf, []byte(nick)...)
	buf = append(buf, envelopeSeparator)
	buf = append(buf, []byte(text)...)
	return buf
}

func decodeEnvelope(payload []byte) (channel, nick, text string, err error) {
	first := bytes.IndexByte(payload, envelopeSeparator)
	if first < 0 {
		return "", "", "", fmt.Errorf("chatapp: malformed envelope: no channel separator")
	}
	rest := payload[first+1:]
	second := bytes.IndexByte(rest, envelopeSeparator)
	if second < 0 {
		return "", "", "", fmt.Errorf("chatapp: malformed envelope: no nick separator")
	}

	channel = string(payload[:first])
	nick = string(rest[:second])
	text = string(rest[second+1:])
	return channel, nick, text, nil
}
