// Package session holds per-connection conversation state and the
// process-wide session registry.
package session

import (
	"sync"
	"time"

	"github.com/ivanfer8/voice-agent/internal/audio"
	"github.com/ivanfer8/voice-agent/internal/provider"
)

// Turn is one entry of conversation history.
type Turn struct {
	Role      string
	Content   string
	Timestamp time.Time
}

// State is the per-session flag set. The owning orchestrator mutates it
// through UpdateState; the registry also sets it when it creates and destroys
// the session.
type State struct {
	Active        bool
	STTConnected  bool
	TTSConnected  bool
	LLMStreaming  bool
	TTSStreaming  bool
	AgentSpeaking bool
}

// Session is the state of one client connection. The session exclusively
// owns its providers and buffers; the registry keeps a non-owning reference
// for lookup and reaping.
type Session struct {
	ID        string
	CreatedAt time.Time

	STT     provider.STT
	LLM     provider.LLM
	TTS     provider.TTS
	Buffers *audio.BufferManager

	mu           sync.Mutex
	lastActivity time.Time
	metadata     map[string]string
	history      []Turn
	maxHistory   int
	state        State
}

// Touch updates the last-activity timestamp.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// LastActivity returns the last-activity timestamp.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// SetMetadata merges the given keys into the session metadata.
func (s *Session) SetMetadata(md map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range md {
		s.metadata[k] = v
	}
}

// Metadata returns the value for one metadata key.
func (s *Session) Metadata(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metadata[key]
}

// ClientName returns the one metadata key the pipeline reads.
func (s *Session) ClientName() string {
	return s.Metadata("clientName")
}

// AppendHistory appends a turn, dropping the oldest entries to keep history
// within the configured bound.
func (s *Session) AppendHistory(role, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.history = append(s.history, Turn{Role: role, Content: content, Timestamp: time.Now()})
	if len(s.history) > s.maxHistory {
		s.history = s.history[len(s.history)-s.maxHistory:]
	}
}

// HistoryLen returns the number of history turns.
func (s *Session) HistoryLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.history)
}

// History returns a copy of the full history.
func (s *Session) History() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Turn, len(s.history))
	copy(out, s.history)
	return out
}

// FormattedHistory returns a shallow copy of the history as role/content
// pairs suitable for the LLM.
func (s *Session) FormattedHistory() []provider.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]provider.Message, len(s.history))
	for i, t := range s.history {
		out[i] = provider.Message{Role: t.Role, Content: t.Content}
	}
	return out
}

// UpdateState mutates the session flags under the session lock.
func (s *Session) UpdateState(fn func(*State)) {
	s.mu.Lock()
	fn(&s.state)
	s.mu.Unlock()
}

// StateSnapshot returns a copy of the session flags.
func (s *Session) StateSnapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}
