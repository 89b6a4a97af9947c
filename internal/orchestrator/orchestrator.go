// Package orchestrator wires one client connection to the STT, LLM and TTS
// providers: the realtime conversation pipeline.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ivanfer8/voice-agent/internal/audio"
	"github.com/ivanfer8/voice-agent/internal/config"
	"github.com/ivanfer8/voice-agent/internal/observability"
	"github.com/ivanfer8/voice-agent/internal/provider"
	"github.com/ivanfer8/voice-agent/internal/session"
)

// sentence delimiters that close a semantic unit for synthesis
const sentenceDelimiters = ".!?\n"

// clientConn is the subset of the websocket connection the pipeline uses.
type clientConn interface {
	ReadMessage() (int, []byte, error)
	WriteJSON(v interface{}) error
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// ProviderSet bundles the three adapters bound to one session.
type ProviderSet struct {
	STT provider.STT
	LLM provider.LLM
	TTS provider.TTS
}

// ProviderFactory constructs the adapters for a new session.
type ProviderFactory func(cfg *config.Config) ProviderSet

// Orchestrator runs the per-connection pipeline. One orchestrator per client
// socket; it serializes its own state transitions and is the single consumer
// of every provider event channel.
type Orchestrator struct {
	cfg      *config.Config
	registry *session.Registry
	conn     clientConn
	factory  ProviderFactory
	logger   zerolog.Logger
	metrics  *observability.Metrics
	gate     *audio.VoiceGate

	sess *session.Session

	// writeMu serializes all socket writes
	writeMu sync.Mutex

	// mu guards pendingReply, the text accumulated for the in-progress
	// assistant turn. Barge-in clears it before the reply loop observes
	// cancellation, which is what keeps interrupted turns out of history.
	mu           sync.Mutex
	pendingReply strings.Builder

	replies chan string

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates an orchestrator for one client connection.
func New(cfg *config.Config, registry *session.Registry, conn clientConn, factory ProviderFactory) *Orchestrator {
	// Silence window expressed in client frames
	silenceFrames := 10
	if cfg.AudioChunkSizeMs > 0 && cfg.MaxSilenceMs > 0 {
		silenceFrames = cfg.MaxSilenceMs / cfg.AudioChunkSizeMs
	}

	return &Orchestrator{
		cfg:      cfg,
		registry: registry,
		conn:     conn,
		factory:  factory,
		logger:   observability.GetLogger().With().Str("component", "orchestrator").Logger(),
		gate: audio.NewVoiceGate(&audio.VoiceGateConfig{
			ThresholdBytes: cfg.VADThresholdBytes,
			SilenceFrames:  silenceFrames,
		}),
		replies: make(chan string, 8),
		done:    make(chan struct{}),
	}
}

// Run reads client frames until the socket closes, then tears the session
// down. It blocks for the life of the connection.
func (o *Orchestrator) Run() {
	defer o.teardown()

	for {
		messageType, message, err := o.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				o.logger.Warn().Err(err).Msg("socket read error")
			}
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			o.handleAudio(message)
		case websocket.TextMessage:
			if fatal := o.handleTextFrame(message); fatal {
				return
			}
		}
	}
}

// handleTextFrame dispatches a JSON control frame. It returns true when the
// session must be torn down.
func (o *Orchestrator) handleTextFrame(message []byte) bool {
	frame, err := parseClientFrame(message)
	if err != nil {
		o.sendError(ErrMessageProcessing, err.Error())
		return false
	}

	switch frame.Type {
	case FrameInit:
		if o.sess != nil {
			o.sendError(ErrMessageProcessing, "session already initialized")
			return false
		}
		if err := o.initSession(frame.Metadata); err != nil {
			o.sendError(ErrInit, err.Error())
			return true
		}
		return false

	case FrameMetadata:
		if o.sess == nil {
			o.sendError(ErrMessageProcessing, "metadata before init")
			return false
		}
		o.sess.SetMetadata(frame.Metadata)
		o.sess.Touch()
		return false

	default:
		o.sendError(ErrMessageProcessing, fmt.Sprintf("unknown frame type %q", frame.Type))
		return false
	}
}

// initSession creates the session, connects STT and TTS in parallel, starts
// the pump goroutines and emits ready.
func (o *Orchestrator) initSession(metadata map[string]string) error {
	providers := o.factory(o.cfg)
	o.sess = o.registry.Create(metadata, providers.STT, providers.LLM, providers.TTS)
	o.logger = observability.SessionLogger(o.sess.ID).With().Str("component", "orchestrator").Logger()
	o.metrics = observability.NewSessionMetrics(o.sess.ID)
	o.metrics.RecordSessionStart()

	ctx := context.Background()
	var wg sync.WaitGroup
	var sttErr, ttsErr error

	wg.Add(2)
	go func() {
		defer wg.Done()
		sttErr = providers.STT.Connect(ctx, o.sess.ID)
	}()
	go func() {
		defer wg.Done()
		ttsErr = providers.TTS.Connect(ctx, o.sess.ID, "")
	}()
	wg.Wait()

	if sttErr != nil {
		return fmt.Errorf("STT connect failed: %w", sttErr)
	}
	if ttsErr != nil {
		return fmt.Errorf("TTS connect failed: %w", ttsErr)
	}

	o.sess.UpdateState(func(st *session.State) {
		st.STTConnected = true
		st.TTSConnected = true
	})

	o.wg.Add(6)
	go o.audioInPump()
	go o.transcriptPump()
	go o.replyPump()
	go o.audioOutPump()
	go o.completePump()
	go o.errorPump()

	o.sendEvent(EventReady, ReadyData{
		SessionID: o.sess.ID,
		Providers: ProviderInfos{
			STT: providers.STT.Info(),
			LLM: providers.LLM.Info(),
			TTS: providers.TTS.Info(),
		},
	})

	o.logger.Info().Msg("session ready")
	return nil
}

// handleAudio is the inbound audio path. A frame arriving while the agent is
// replying is a potential barge-in and is processed as such before the audio
// reaches STT.
func (o *Orchestrator) handleAudio(data []byte) {
	if o.sess == nil {
		o.sendError(ErrAudioProcessing, "audio before init")
		return
	}

	o.sess.Touch()
	o.metrics.RecordAudioBytes("in", int64(len(data)))

	if o.cfg.DebugAudio {
		o.logger.Debug().Int("bytes", len(data)).Msg("audio frame received")
	}

	_, speechStarted, speechEnded := o.gate.ProcessFrame(data)
	if speechStarted {
		o.logger.Debug().Msg("client speech started")
	}
	if speechEnded {
		o.logger.Debug().Msg("client speech ended")
	}

	st := o.sess.StateSnapshot()
	if (st.AgentSpeaking || st.LLMStreaming) && o.gate.HasVoice(data) {
		o.bargeIn()
	}

	frame := make([]byte, len(data))
	copy(frame, data)
	if !o.sess.Buffers.PushIn(frame) {
		o.logger.Warn().Msg("inbound audio queue full, dropping frame")
	}
}

// audioInPump drains the inbound queue into the STT adapter so the socket
// read loop never waits on recognizer I/O.
func (o *Orchestrator) audioInPump() {
	defer o.wg.Done()

	for {
		select {
		case <-o.done:
			return
		default:
		}

		chunk, ok := o.sess.Buffers.PopIn()
		if !ok {
			select {
			case <-o.done:
				return
			case <-o.sess.Buffers.InReady():
				continue
			}
		}

		if err := o.sess.STT.SendAudio(chunk.Data); err != nil {
			o.logger.Error().Err(err).Msg("failed to forward audio to STT")
			o.metrics.RecordError("stt_send_error", "stt")
			o.sendError(ErrAudioProcessing, err.Error())
		}
	}
}

// bargeIn interrupts the in-progress reply: cancel synthesis, cancel the LLM
// stream, fence off queued audio, clear the pending turn and reset state.
func (o *Orchestrator) bargeIn() {
	o.logger.Info().Msg("barge-in detected")

	o.sess.TTS.Cancel()
	o.sess.LLM.Cancel()

	gen := o.sess.Buffers.BumpGeneration()

	o.mu.Lock()
	partial := o.pendingReply.String()
	o.pendingReply.Reset()
	o.mu.Unlock()

	if o.cfg.KeepInterruptedReplies && partial != "" {
		o.sess.AppendHistory(provider.RoleAssistant, partial)
	}

	o.sess.UpdateState(func(st *session.State) {
		st.AgentSpeaking = false
		st.LLMStreaming = false
		st.TTSStreaming = false
	})
	o.sess.Buffers.SetPlaying(false)

	o.metrics.RecordBargeIn()
	o.sendEvent(EventInterruptionProcessed, nil)

	o.logger.Debug().Uint64("generation", gen).Msg("output fenced")
}

// transcriptPump forwards transcripts to the client and queues finals for
// the reply procedure.
func (o *Orchestrator) transcriptPump() {
	defer o.wg.Done()

	for {
		select {
		case <-o.done:
			return
		case t, ok := <-o.sess.STT.Transcripts():
			if !ok {
				return
			}

			o.sess.Touch()

			if !t.IsFinal {
				o.sendEvent(EventTranscriptPartial, TranscriptData{Text: t.Text, Confidence: t.Confidence})
				continue
			}

			o.sendEvent(EventTranscriptFinal, TranscriptData{Text: t.Text, Confidence: t.Confidence})

			select {
			case o.replies <- t.Text:
			default:
				o.logger.Warn().Str("text", t.Text).Msg("reply queue full, dropping utterance")
			}
		}
	}
}

// replyPump serializes replies: at most one in-flight LLM stream per session.
func (o *Orchestrator) replyPump() {
	defer o.wg.Done()

	for {
		select {
		case <-o.done:
			return
		case text := <-o.replies:
			o.runReply(text)
		}
	}
}

// runReply is the reply procedure: stream the LLM response, forward
// fragments to the client, feed complete sentences to TTS and append the
// finished turn to history.
func (o *Orchestrator) runReply(userText string) {
	o.sess.AppendHistory(provider.RoleUser, userText)

	o.sess.UpdateState(func(st *session.State) { st.LLMStreaming = true })
	o.metrics.RecordLLMStart()

	history := o.sess.FormattedHistory()
	o.logger.Debug().
		Int("history_len", len(history)).
		Float64("est_cost_usd", o.sess.LLM.EstimateCost(history)).
		Msg("starting reply")

	stream, err := o.sess.LLM.StreamResponse(context.Background(), history, o.sess.ClientName())
	if err != nil {
		o.logger.Error().Err(err).Msg("LLM stream failed to start")
		o.metrics.RecordLLMEnd(false)
		o.metrics.RecordError("llm_start_error", "llm")
		o.sess.UpdateState(func(st *session.State) { st.LLMStreaming = false })
		o.sendError(ErrLLM, err.Error())
		return
	}

	// completed holds a delimiter-terminated sentence until the next
	// fragment proves more text follows; the last sentence of a reply is
	// submitted with flush=true so the synthesizer emits it immediately.
	var sentence strings.Builder
	var completed string
	firstFragment := true

	for fragment := range stream {
		if !firstFragment && !o.hasPendingReply() {
			// Barge-in cleared the turn mid-stream; stop consuming
			break
		}
		if firstFragment {
			o.metrics.RecordLLMFirstToken()
			firstFragment = false
		}

		if completed != "" {
			o.speak(completed, false)
			completed = ""
		}

		o.mu.Lock()
		o.pendingReply.WriteString(fragment)
		o.mu.Unlock()

		sentence.WriteString(fragment)
		o.sendEvent(EventLLMChunk, ChunkData{Chunk: fragment})

		if endsWithDelimiter(fragment) {
			completed = strings.TrimSpace(sentence.String())
			sentence.Reset()
		}
	}

	o.mu.Lock()
	reply := o.pendingReply.String()
	o.pendingReply.Reset()
	o.mu.Unlock()

	// Barge-in (and a mid-stream provider error) clears the pending reply
	// before the loop observes cancellation; an empty reply here means the
	// turn was aborted and must not be synthesized further nor enter
	// history.
	if reply == "" {
		o.sess.UpdateState(func(st *session.State) { st.LLMStreaming = false })
		return
	}

	if residual := strings.TrimSpace(sentence.String()); residual != "" {
		if completed != "" {
			o.speak(completed, false)
		}
		o.speak(residual, true)
	} else if completed != "" {
		o.speak(completed, true)
	}

	o.sess.AppendHistory(provider.RoleAssistant, reply)
	o.metrics.RecordLLMEnd(true)
	o.sess.UpdateState(func(st *session.State) { st.LLMStreaming = false })
}

// speak submits one semantic unit to TTS.
func (o *Orchestrator) speak(text string, flush bool) {
	if text == "" {
		return
	}

	st := o.sess.StateSnapshot()
	if !st.TTSStreaming {
		o.metrics.RecordTTSStart()
	}

	if err := o.sess.TTS.Synthesize(text, flush); err != nil {
		o.logger.Error().Err(err).Msg("TTS rejected text")
		o.metrics.RecordError("synthesis_error", "tts")
		o.sendError(ErrSynthesis, err.Error())
		return
	}

	o.sess.UpdateState(func(st *session.State) {
		st.TTSStreaming = true
		st.AgentSpeaking = true
	})
	o.sess.Buffers.SetPlaying(true)
}

// audioOutPump moves synthesized audio through the generation-fenced output
// queue to the client.
func (o *Orchestrator) audioOutPump() {
	defer o.wg.Done()

	for {
		select {
		case <-o.done:
			return
		case chunk, ok := <-o.sess.TTS.AudioChunks():
			if !ok {
				return
			}

			if !o.sess.Buffers.PushOut(chunk) {
				o.logger.Warn().Msg("outbound audio queue full, dropping chunk")
				continue
			}

			// Drain everything currently eligible; chunks from a fenced-off
			// generation are discarded here.
			for {
				out, ok := o.sess.Buffers.PopOut()
				if !ok {
					break
				}
				o.metrics.RecordAudioBytes("out", int64(len(out.Data)))
				if err := o.writeBinary(out.Data); err != nil {
					o.logger.Error().Err(err).Msg("failed to send audio to client")
					return
				}
			}
		}
	}
}

// completePump marks the agent silent when synthesis finishes.
func (o *Orchestrator) completePump() {
	defer o.wg.Done()

	for {
		select {
		case <-o.done:
			return
		case _, ok := <-o.sess.TTS.Complete():
			if !ok {
				return
			}

			o.sess.UpdateState(func(st *session.State) {
				st.AgentSpeaking = false
				st.TTSStreaming = false
			})
			o.sess.Buffers.SetPlaying(false)
			o.metrics.RecordTTSEnd(true)
			o.sendEvent(EventAgentFinishedSpeaking, nil)
		}
	}
}

// errorPump surfaces provider errors as typed error frames. Provider errors
// during a turn are non-fatal: state resets and the session returns to idle.
func (o *Orchestrator) errorPump() {
	defer o.wg.Done()

	for {
		select {
		case <-o.done:
			return

		case err, ok := <-o.sess.STT.Errors():
			if !ok {
				return
			}
			o.metrics.RecordError("stt_error", "stt")
			o.sendError(ErrSTT, err.Error())

		case err, ok := <-o.sess.LLM.Errors():
			if !ok {
				return
			}
			o.metrics.RecordError("llm_error", "llm")
			o.metrics.RecordLLMEnd(false)
			// The aborted turn never reaches history; audio already
			// synthesized keeps playing
			o.mu.Lock()
			o.pendingReply.Reset()
			o.mu.Unlock()
			o.sess.UpdateState(func(st *session.State) { st.LLMStreaming = false })
			o.sendError(ErrLLM, err.Error())

		case err, ok := <-o.sess.TTS.Errors():
			if !ok {
				return
			}
			o.metrics.RecordError("tts_error", "tts")
			o.metrics.RecordTTSEnd(false)
			o.sess.UpdateState(func(st *session.State) { st.TTSStreaming = false })
			o.sendError(ErrTTS, err.Error())
		}
	}
}

// teardown destroys the session and stops every pump. Called exactly once
// when the socket closes or a fatal error occurs.
func (o *Orchestrator) teardown() {
	o.closeOnce.Do(func() {
		close(o.done)

		if o.sess != nil {
			o.registry.Destroy(o.sess.ID)
			o.metrics.RecordSessionEnd()
			o.logger.Info().Msg("session torn down")
		}

		o.conn.Close()
	})

	o.wg.Wait()
}

func (o *Orchestrator) sendEvent(event string, data interface{}) {
	o.writeMu.Lock()
	defer o.writeMu.Unlock()

	if err := o.conn.WriteJSON(newEvent(event, data)); err != nil {
		o.logger.Warn().Err(err).Str("event", event).Msg("event write failed")
	}
}

func (o *Orchestrator) sendError(kind, message string) {
	o.writeMu.Lock()
	defer o.writeMu.Unlock()

	if err := o.conn.WriteJSON(newError(kind, message)); err != nil {
		o.logger.Warn().Err(err).Str("error_kind", kind).Msg("error write failed")
	}
}

func (o *Orchestrator) writeBinary(data []byte) error {
	o.writeMu.Lock()
	defer o.writeMu.Unlock()
	return o.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (o *Orchestrator) hasPendingReply() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pendingReply.Len() > 0
}

func endsWithDelimiter(fragment string) bool {
	trimmed := strings.TrimRight(fragment, " ")
	if trimmed == "" {
		return false
	}
	return strings.ContainsRune(sentenceDelimiters, rune(trimmed[len(trimmed)-1]))
}
