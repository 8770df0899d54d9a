// Package chatstore persists chat messages carried over the mesh: an
// append-only JSON-Lines file plus an in-memory index rebuilt at startup,
// deduplicated on (origin_id, seqno) the same way the reference
// SQLite-backed store's UNIQUE constraint did. No pack example ships a SQL
// driver, so the storage engine changed; the on-disk durability and the
// dedup contract did not.
package chatstore

import (
	"bufio"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// Message is one persisted chat record.
type Message struct {
	OriginID [8]byte `json:"-"`
	Seqno    uint32  `json:"seqno"`
	Channel  string  `json:"channel"`
	Nick     string  `json:"nick"`
	Text     string  `json:"text"`
	TS       float64 `json:"ts"`
}

// record is Message's on-disk shape: OriginID is hex-encoded so the log
// stays readable with a text editor, matching this module's general
// preference for inspectable artifacts over opaque binary framing.
type record struct {
	OriginID string  `json:"origin_id"`
	Seqno    uint32  `json:"seqno"`
	Channel  string  `json:"channel"`
	Nick     string  `json:"nick"`
	Text     string  `json:"text"`
	TS       float64 `json:"ts"`
}

func (m Message) toRecord() record {
	return record{
		OriginID: hex.EncodeToString(m.OriginID[:]),
		Seqno:    m.Seqno,
		Channel:  m.Channel,
		Nick:     m.Nick,
		Text:     m.Text,
		TS:       m.TS,
	}
}

func (r record) toMessage() (Message, error) {
	origin, err := hex.DecodeString(r.OriginID)
	if err != nil || len(origin) != 8 {
		return Message{}, fmt.Errorf("chatstore: malformed origin_id %q", r.OriginID)
	}
	var m Message
	copy(m.OriginID[:], origin)
	m.Seqno = r.Seqno
	m.Channel = r.Channel
	m.Nick = r.Nick
	m.Text = r.Text
	m.TS = r.TS
	return m, nil
}

type key struct {
	origin [8]byte
	seqno  uint32
}

// Store is a dedup-on-(origin_id,seqno) append-only chat log.
type Store struct {
	mu       sync.Mutex
	file     *os.File
	messages []Message
	seen     map[key]struct{}
}

// Open loads (or creates) the JSON-Lines file at path, replaying it to
// rebuild the in-memory dedup index and message list.
func Open(path string) (*Store, error) {
	existing, err := os.OpenFile(path, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("chatstore: open %s: %w", path, err)
	}

	s := &Store{seen: make(map[key]struct{})}

	scanner := bufio.NewScanner(existing)
	scanner.Buffer(make([]byte, 4096), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var r record
		if err := json.Unmarshal(line, &r); err != nil {
			continue // tolerate a truncated trailing line from an unclean shutdown
		}
		msg, err := r.toMessage()
		if err != nil {
			continue
		}
		s.index(msg)
	}
	existing.Close()
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("chatstore: replay %s: %w", path, err)
	}

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("chatstore: open %s for append: %w", path, err)
	}
	s.file = file
	return s, nil
}

func (s *Store) index(m Message) {
	k := key{origin: m.OriginID, seqno: m.Seqno}
	if _, ok := s.seen[k]; ok {
		return
	}
	s.seen[k] = struct{}{}
	s.messages = append(s.messages, m)
}

// HasMessage reports whether (origin, seqno) is already stored.
func (s *Store) HasMessage(origin [8]byte, seqno uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[key{origin: origin, seqno: seqno}]
	return ok
}

// AddMessage appends a message, silently ignoring a duplicate (origin,
// seqno), matching the reference store's INSERT OR IGNORE semantics.
func (s *Store) AddMessage(origin [8]byte, seqno uint32, channel, nick, text string, ts float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{origin: origin, seqno: seqno}
	if _, ok := s.seen[k]; ok {
		return nil
	}

	msg := Message{OriginID: origin, Seqno: seqno, Channel: channel, Nick: nick, Text: text, TS: ts}

	line, err := json.Marshal(msg.toRecord())
	if err != nil {
		return fmt.Errorf("chatstore: encode: %w", err)
	}
	line = append(line, '\n')
	if _, err := s.file.Write(line); err != nil {
		return fmt.Errorf("chatstore: append: %w", err)
	}

	s.seen[k] = struct{}{}
	s.messages = append(s.messages, msg)
	return nil
}

// RecentMessages returns the first limit messages in channel, in the order
// they were added to the store; ts is not used for ordering. Despite the
// name, this is not a sliding window of the newest N.
func (s *Store) RecentMessages(channel string, limit int) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Message
	for _, m := range s.messages {
		if m.Channel != channel {
			continue
		}
		out = append(out, m)
		if len(out) >= limit {
			break
		}
	}
	return out
}

// MessagesSince returns up to limit messages in channel with ts strictly
// greater than sinceTS, in the order they were added to the store.
func (s *Store) MessagesSince(channel string, sinceTS float64, limit int) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Message
	for _, m := range s.messages {
		if m.Channel != channel || m.TS <= sinceTS {
			continue
		}
		out = append(out, m)
		if len(out) >= limit {
			break
		}
	}
	return out
}

// Close flushes and closes the underlying file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}
