// Package transcript holds the ordered conversation log shown to the user.
package transcript

import (
	"log/slog"
	"sync"
	"time"

	"github.com/user/morgan/internal/types"
)

// Origin identifies who produced a message.
type Origin string

const (
	OriginUser      Origin = "user"
	OriginAssistant Origin = "assistant"
)

// Agent returns the name the backend uses for this origin in request
// history.
func (o Origin) Agent() string {
	if o == OriginUser {
		return "userAgent"
	}
	return "copilotAgent"
}

// Attachment is a file carried by a message. Exactly one of InlineData or
// RemoteURL should be set; a value with neither is kept but cannot be
// viewed.
type Attachment struct {
	Name       string `json:"name"`
	MimeType   string `json:"mime_type"`
	InlineData string `json:"inline_data,omitempty"`
	RemoteURL  string `json:"remote_url,omitempty"`
}

// Viewable reports whether the attachment carries any content.
func (a Attachment) Viewable() bool {
	return a.InlineData != "" || a.RemoteURL != ""
}

// Message is one record of the transcript. Origin is fixed at append time;
// Content may only change on the most recent record.
type Message struct {
	ID               types.MessageID `json:"id"`
	Content          string          `json:"content"`
	Origin           Origin          `json:"origin"`
	Attachments      []Attachment    `json:"attachments,omitempty"`
	IsReasoningPhase bool            `json:"is_reasoning_phase,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

// ChangeKind names a transcript mutation.
type ChangeKind string

const (
	ChangeAppend ChangeKind = "append"
	ChangeUpdate ChangeKind = "update"
	ChangeClear  ChangeKind = "clear"
)

// Change describes a single mutation, delivered to subscribers in the
// order it was applied.
type Change struct {
	Kind    ChangeKind `json:"kind"`
	Index   int        `json:"index"`
	Message *Message   `json:"message,omitempty"`
}

// Store is the in-memory transcript. A single writer mutates it during a
// request cycle while display layers read and subscribe concurrently.
type Store struct {
	mu       sync.RWMutex
	messages []Message
	subs     map[chan Change]struct{}
}

// New creates an empty Store.
func New() *Store {
	return &Store{subs: make(map[chan Change]struct{})}
}

// Append adds msg to the end of the transcript. A missing ID or timestamp
// is filled in.
func (s *Store) Append(msg Message) {
	if msg.ID == "" {
		msg.ID = types.NewMessageID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
	s.notify(Change{Kind: ChangeAppend, Index: len(s.messages) - 1, Message: &msg})
}

// UpdateLast replaces the content of the last record. It reports false
// and changes nothing when the transcript is empty.
func (s *Store) UpdateLast(content string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.messages) == 0 {
		return false
	}
	last := len(s.messages) - 1
	s.messages[last].Content = content
	msg := s.messages[last]
	s.notify(Change{Kind: ChangeUpdate, Index: last, Message: &msg})
	return true
}

// Clear empties the transcript.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = nil
	s.notify(Change{Kind: ChangeClear, Index: -1})
}

// Messages returns a snapshot of the transcript.
func (s *Store) Messages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Len returns the number of records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// Last returns the most recent record.
func (s *Store) Last() (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.messages) == 0 {
		return Message{}, false
	}
	return s.messages[len(s.messages)-1], true
}

// Subscribe returns a channel of changes and a function that cancels the
// subscription. Changes are dropped for a subscriber whose buffer is full.
func (s *Store) Subscribe() (<-chan Change, func()) {
	ch := make(chan Change, 64)

	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, ch)
			close(ch)
			s.mu.Unlock()
		})
	}
	return ch, cancel
}

// notify fans out a change. Caller must hold the write lock.
func (s *Store) notify(c Change) {
	for ch := range s.subs {
		select {
		case ch <- c:
		default:
			slog.Debug("transcript subscriber buffer full, dropping change", "kind", c.Kind, "index", c.Index)
		}
	}
}
