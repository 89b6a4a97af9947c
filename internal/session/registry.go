package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ivanfer8/voice-agent/internal/audio"
	"github.com/ivanfer8/voice-agent/internal/config"
	"github.com/ivanfer8/voice-agent/internal/observability"
	"github.com/ivanfer8/voice-agent/internal/provider"
)

const reapInterval = 60 * time.Second

// Registry is the process-wide map from session identifier to session
// record. It is constructed once at startup and injected into each
// orchestrator; the inactivity reaper is a background task it owns.
type Registry struct {
	cfg    *config.Config
	logger zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session

	timeout  time.Duration
	interval time.Duration
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewRegistry creates a registry and starts its reaper.
func NewRegistry(cfg *config.Config) *Registry {
	return newRegistry(cfg, reapInterval)
}

func newRegistry(cfg *config.Config, interval time.Duration) *Registry {
	r := &Registry{
		cfg:      cfg,
		logger:   observability.GetLogger().With().Str("component", "session_registry").Logger(),
		sessions: make(map[string]*Session),
		timeout:  time.Duration(cfg.SessionTimeoutMs) * time.Millisecond,
		interval: interval,
		done:     make(chan struct{}),
	}

	r.wg.Add(1)
	go r.reapLoop()

	return r
}

// Create registers a new session bound to the given providers.
func (r *Registry) Create(metadata map[string]string, stt provider.STT, llm provider.LLM, tts provider.TTS) *Session {
	now := time.Now()
	s := &Session{
		ID:           uuid.New().String(),
		CreatedAt:    now,
		STT:          stt,
		LLM:          llm,
		TTS:          tts,
		Buffers:      audio.NewBufferManager(100),
		lastActivity: now,
		metadata:     make(map[string]string),
		maxHistory:   r.cfg.MaxHistoryMessages,
	}
	for k, v := range metadata {
		s.metadata[k] = v
	}
	s.state.Active = true

	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()

	r.logger.Info().Str("session_id", s.ID).Msg("session created")
	return s
}

// Get looks up a session by identifier.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Destroy tears a session down: providers are cancelled and disconnected
// defensively, buffers cleared, the registry entry removed. Idempotent.
func (r *Registry) Destroy(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if !ok {
		return
	}

	s.UpdateState(func(st *State) {
		st.Active = false
		st.STTConnected = false
		st.TTSConnected = false
		st.LLMStreaming = false
		st.TTSStreaming = false
		st.AgentSpeaking = false
	})

	if s.LLM != nil {
		s.LLM.Cancel()
	}
	if s.TTS != nil {
		s.TTS.Cancel()
		if err := s.TTS.Disconnect(); err != nil {
			r.logger.Warn().Err(err).Str("session_id", id).Msg("TTS disconnect failed")
		}
	}
	if s.STT != nil {
		if err := s.STT.Disconnect(); err != nil {
			r.logger.Warn().Err(err).Str("session_id", id).Msg("STT disconnect failed")
		}
	}
	if s.Buffers != nil {
		s.Buffers.Clear()
	}

	r.logger.Info().Str("session_id", id).Msg("session destroyed")
}

// reapLoop destroys sessions idle past the configured timeout.
func (r *Registry) reapLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.reap()
		}
	}
}

func (r *Registry) reap() {
	cutoff := time.Now().Add(-r.timeout)

	r.mu.RLock()
	var stale []string
	for id, s := range r.sessions {
		if s.LastActivity().Before(cutoff) {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range stale {
		r.logger.Info().Str("session_id", id).Msg("reaping inactive session")
		r.Destroy(id)
		observability.RecordReapedSession()
	}
}

// Close stops the reaper and destroys every remaining session.
func (r *Registry) Close() {
	close(r.done)
	r.wg.Wait()

	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		r.Destroy(id)
	}
}
