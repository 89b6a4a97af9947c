// Package tts implements the streaming text-to-speech adapter.
package tts

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ivanfer8/voice-agent/internal/config"
	"github.com/ivanfer8/voice-agent/internal/observability"
	"github.com/ivanfer8/voice-agent/internal/provider"
)

const (
	connectTimeout = 5 * time.Second
	drainDelay     = 100 * time.Millisecond
)

// bosMessage is the beginning-of-stream frame: voice settings plus the chunk
// length schedule the synthesizer uses to trade latency for quality on the
// first chunks.
type bosMessage struct {
	Text          string        `json:"text"`
	VoiceSettings voiceSettings `json:"voice_settings"`
	GenerationCfg generationCfg `json:"generation_config"`
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

type generationCfg struct {
	ChunkLengthSchedule []int `json:"chunk_length_schedule"`
}

// textMessage is a synthesis frame.
type textMessage struct {
	Text                 string `json:"text"`
	TryTriggerGeneration bool   `json:"try_trigger_generation,omitempty"`
	Flush                bool   `json:"flush,omitempty"`
}

// audioEnvelope is the JSON inbound message shape.
type audioEnvelope struct {
	Audio   string `json:"audio"`
	IsFinal *bool  `json:"isFinal"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ElevenLabsAdapter is the streaming TTS adapter. One websocket per session;
// cancellation never closes the socket (the documented end-of-stream sentinel
// is an empty-text frame, so a cancel flushes a single space instead and
// drops inbound audio until the next Synthesize).
type ElevenLabsAdapter struct {
	cfg    *config.Config
	logger zerolog.Logger

	// wsURL is the endpoint template; tests override it
	wsURL string

	audio    chan []byte
	complete chan struct{}
	errs     chan error

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	cancelled bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewElevenLabsAdapter creates a streaming ElevenLabs adapter.
func NewElevenLabsAdapter(cfg *config.Config) *ElevenLabsAdapter {
	return &ElevenLabsAdapter{
		cfg:      cfg,
		logger:   observability.GetLogger().With().Str("component", "tts_elevenlabs").Logger(),
		wsURL:    "wss://api.elevenlabs.io/v1/text-to-speech/%s/stream-input?model_id=%s",
		audio:    make(chan []byte, 100),
		complete: make(chan struct{}, 10),
		errs:     make(chan error, 10),
	}
}

// Connect opens the streaming synthesis channel and sends the
// beginning-of-stream frame.
func (e *ElevenLabsAdapter) Connect(ctx context.Context, sessionID, voiceID string) error {
	e.mu.Lock()
	if e.connected {
		e.mu.Unlock()
		return provider.ErrAlreadyConnected
	}
	e.mu.Unlock()

	if voiceID == "" {
		voiceID = e.cfg.ElevenLabsVoiceID
	}

	wsURL := fmt.Sprintf(e.wsURL, voiceID, e.cfg.ElevenLabsModel)

	header := http.Header{}
	header.Set("xi-api-key", e.cfg.ElevenLabsAPIKey)

	dialCtx, cancelDial := context.WithTimeout(ctx, connectTimeout)
	defer cancelDial()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, wsURL, header)
	if err != nil {
		if dialCtx.Err() != nil {
			return provider.ErrConnectTimeout
		}
		return fmt.Errorf("%w: %v", provider.ErrProviderUnavailable, err)
	}

	bos := bosMessage{
		Text: " ",
		VoiceSettings: voiceSettings{
			Stability:       0.5,
			SimilarityBoost: 0.75,
		},
		GenerationCfg: generationCfg{
			// Small first chunks for fast time-to-first-audio
			ChunkLengthSchedule: []int{120, 160, 250, 290},
		},
	}
	if err := conn.WriteJSON(bos); err != nil {
		conn.Close()
		return fmt.Errorf("%w: %v", provider.ErrProviderUnavailable, err)
	}

	e.mu.Lock()
	e.conn = conn
	e.connected = true
	e.cancelled = false
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.mu.Unlock()

	e.wg.Add(1)
	go e.receiveAudio()

	e.logger.Info().
		Str("session_id", sessionID).
		Str("voice_id", voiceID).
		Str("model", e.cfg.ElevenLabsModel).
		Msg("TTS streaming connection established")
	return nil
}

// Synthesize submits text. flush marks the end of a semantic unit. The first
// Synthesize after a Cancel clears the cancelled flag so fresh audio flows
// again.
func (e *ElevenLabsAdapter) Synthesize(text string, flush bool) error {
	if text == "" {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.connected {
		return provider.ErrNotConnected
	}

	e.cancelled = false

	msg := textMessage{
		Text:                 text + " ",
		TryTriggerGeneration: flush,
	}
	if err := e.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("failed to submit text for synthesis: %w", err)
	}
	return nil
}

// Cancel drops pending and in-flight synthesis WITHOUT closing the
// connection. The empty-text frame is the end-of-stream sentinel and would
// force a reconnect, so the upstream flush carries a single space. Inbound
// audio is discarded until the next Synthesize.
func (e *ElevenLabsAdapter) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.connected || e.cancelled {
		return
	}

	e.cancelled = true

	if err := e.conn.WriteJSON(textMessage{Text: " ", Flush: true}); err != nil {
		e.logger.Warn().Err(err).Msg("cancel flush failed")
	}
}

// receiveAudio consumes inbound messages: JSON envelopes with base64 audio
// or, in some protocol versions, raw binary frames.
func (e *ElevenLabsAdapter) receiveAudio() {
	defer e.wg.Done()

	for {
		messageType, message, err := e.conn.ReadMessage()
		if err != nil {
			select {
			case <-e.ctx.Done():
				// Expected on disconnect
			default:
				e.logger.Error().Err(err).Msg("TTS read error")
				select {
				case e.errs <- err:
				default:
				}
			}
			return
		}

		if messageType == websocket.BinaryMessage {
			e.deliver(message)
			continue
		}

		var envelope audioEnvelope
		if err := json.Unmarshal(message, &envelope); err != nil {
			e.logger.Warn().Err(err).Msg("unparseable TTS message")
			continue
		}

		if envelope.Error != "" {
			err := fmt.Errorf("synthesizer error: %s (%s)", envelope.Error, envelope.Message)
			select {
			case e.errs <- err:
			default:
			}
			continue
		}

		if envelope.Audio != "" {
			data, err := base64.StdEncoding.DecodeString(envelope.Audio)
			if err != nil {
				e.logger.Warn().Err(err).Msg("bad base64 audio")
				continue
			}
			e.deliver(data)
		}

		if envelope.IsFinal != nil && *envelope.IsFinal {
			e.mu.Lock()
			dropped := e.cancelled
			e.mu.Unlock()
			if !dropped {
				select {
				case e.complete <- struct{}{}:
				default:
				}
			}
		}
	}
}

// deliver forwards one audio chunk unless cancelled work is being drained.
func (e *ElevenLabsAdapter) deliver(data []byte) {
	e.mu.Lock()
	dropped := e.cancelled
	e.mu.Unlock()

	if dropped {
		return
	}

	select {
	case e.audio <- data:
	default:
		e.logger.Warn().Msg("audio channel full, dropping synthesized chunk")
	}
}

// AudioChunks returns the synthesized-audio sink.
func (e *ElevenLabsAdapter) AudioChunks() <-chan []byte {
	return e.audio
}

// Complete signals end of synthesis for the submitted text.
func (e *ElevenLabsAdapter) Complete() <-chan struct{} {
	return e.complete
}

// Errors returns the error sink.
func (e *ElevenLabsAdapter) Errors() <-chan error {
	return e.errs
}

// Disconnect sends the end-of-stream sentinel, waits briefly for drain and
// closes the connection. Idempotent.
func (e *ElevenLabsAdapter) Disconnect() error {
	e.mu.Lock()
	if !e.connected {
		e.mu.Unlock()
		return nil
	}
	e.connected = false
	conn := e.conn
	cancel := e.cancel

	// End-of-stream sentinel, written under the lock so it cannot interleave
	// with a late Synthesize
	if err := conn.WriteJSON(textMessage{Text: ""}); err != nil {
		e.logger.Warn().Err(err).Msg("EOS write failed")
	}
	e.mu.Unlock()

	time.Sleep(drainDelay)

	cancel()
	err := conn.Close()
	e.wg.Wait()

	e.logger.Info().Msg("TTS streaming connection closed")
	return err
}

// IsConnected reports whether the synthesis channel is open.
func (e *ElevenLabsAdapter) IsConnected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connected
}

// Info describes the adapter.
func (e *ElevenLabsAdapter) Info() provider.Info {
	return provider.Info{
		Name:             "elevenlabs",
		Model:            e.cfg.ElevenLabsModel,
		TypicalLatencyMs: 400,
	}
}
