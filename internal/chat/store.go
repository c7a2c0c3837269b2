// Package chat owns the per-room message feeds: the JSONL file store,
// the user-facing post path with its rate limiter and agent replies,
// the proactive emitter, and decision narration.
package chat

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/paperarena/arena/internal/clock"
)

// Message visibility.
const (
	VisibilityPublic  = "public"
	VisibilityPrivate = "private"
)

// Sender types.
const (
	SenderUser  = "user"
	SenderAgent = "agent"
)

// Agent message kinds.
const (
	KindReply     = "reply"
	KindProactive = "proactive"
	KindNarration = "narration"
)

// Message is one chat feed entry.
type Message struct {
	ID               string `json:"id"`
	RoomID           string `json:"room_id"`
	Visibility       string `json:"visibility"`
	SenderType       string `json:"sender_type"`
	SenderID         string `json:"sender_id"`
	SenderName       string `json:"sender_name"`
	Text             string `json:"text"`
	CreatedTSMs      int64  `json:"created_ts_ms"`
	AgentMessageKind string `json:"agent_message_kind,omitempty"`
	GenerationSource string `json:"generation_source,omitempty"`
	GenerationTone   string `json:"generation_tone,omitempty"`
	UserSessionID    string `json:"user_session_id,omitempty"`
	UserNickname     string `json:"user_nickname,omitempty"`
}

// Store persists chat feeds as daily JSONL files:
// public/{roomId}/{day}.jsonl and private/{roomId}/{session}/{day}.jsonl.
// Appends within one feed are serialized so created_ts_ms order matches
// file order.
type Store struct {
	mu      sync.Mutex
	baseDir string
	clk     clock.Clock
	log     zerolog.Logger
}

// NewStore roots the file store at baseDir.
func NewStore(baseDir string, clk clock.Clock, log zerolog.Logger) *Store {
	return &Store{
		baseDir: baseDir,
		clk:     clk,
		log:     log.With().Str("component", "chat_store").Logger(),
	}
}

func (s *Store) publicDir(roomID string) string {
	return filepath.Join(s.baseDir, "public", roomID)
}

func (s *Store) privateDir(roomID, session string) string {
	return filepath.Join(s.baseDir, "private", roomID, session)
}

func (s *Store) dayName(t time.Time) string {
	return t.UTC().Format("2006-01-02") + ".jsonl"
}

// AppendPublic writes one message to the room's public feed.
func (s *Store) AppendPublic(msg Message) error {
	return s.append(filepath.Join(s.publicDir(msg.RoomID), s.dayName(s.clk.Now())), msg)
}

// AppendPrivate writes one message to a session's private feed.
func (s *Store) AppendPrivate(msg Message) error {
	return s.append(filepath.Join(s.privateDir(msg.RoomID, msg.UserSessionID), s.dayName(s.clk.Now())), msg)
}

func (s *Store) append(path string, msg Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal chat message: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir chat dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open chat file: %w", err)
	}
	defer f.Close()
	raw = append(raw, '\n')
	if _, err := f.Write(raw); err != nil {
		return fmt.Errorf("append chat message: %w", err)
	}
	return nil
}

// ListPublic returns up to limit public messages of a room, oldest
// first, optionally bounded to created_ts_ms < beforeTSMs.
func (s *Store) ListPublic(roomID string, limit int, beforeTSMs int64) []Message {
	return s.list(s.publicDir(roomID), limit, beforeTSMs)
}

// ListPrivate returns up to limit private messages of one session.
func (s *Store) ListPrivate(roomID, session string, limit int, beforeTSMs int64) []Message {
	return s.list(s.privateDir(roomID, session), limit, beforeTSMs)
}

func (s *Store) list(dir string, limit int, beforeTSMs int64) []Message {
	if limit <= 0 {
		limit = 50
	}
	files, err := filepath.Glob(filepath.Join(dir, "*.jsonl"))
	if err != nil {
		return nil
	}
	sort.Sort(sort.Reverse(sort.StringSlice(files)))

	var out []Message
	for _, path := range files {
		if len(out) >= limit {
			break
		}
		msgs := s.readDay(path, beforeTSMs)
		// Day files scan newest day first; within a day take the tail.
		if need := limit - len(out); len(msgs) > need {
			msgs = msgs[len(msgs)-need:]
		}
		out = append(msgs, out...)
	}
	return out
}

func (s *Store) readDay(path string, beforeTSMs int64) []Message {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var out []Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			// Partial tail line while a writer races; skip.
			continue
		}
		if beforeTSMs > 0 && msg.CreatedTSMs >= beforeTSMs {
			continue
		}
		out = append(out, msg)
	}
	return out
}
