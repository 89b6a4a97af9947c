package stt

import (
	"context"
	"fmt"
	"sync"
	"time"

	websocketv1api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog"

	"github.com/ivanfer8/voice-agent/internal/config"
	"github.com/ivanfer8/voice-agent/internal/observability"
	"github.com/ivanfer8/voice-agent/internal/provider"
	"github.com/ivanfer8/voice-agent/internal/resilience"
)

const connectTimeout = 5 * time.Second

// deepgramCallbackHandler implements the LiveMessageCallback interface.
// It embeds the default handler and overrides only the events the adapter
// cares about.
type deepgramCallbackHandler struct {
	*websocketv1api.DefaultCallbackHandler
	onOpen         func()
	onMessage      func(*msginterfaces.MessageResponse)
	onUtteranceEnd func()
	onError        func(*msginterfaces.ErrorResponse)
}

func (h *deepgramCallbackHandler) Open(or *msginterfaces.OpenResponse) error {
	h.onOpen()
	return nil
}

func (h *deepgramCallbackHandler) Message(mr *msginterfaces.MessageResponse) error {
	h.onMessage(mr)
	return nil
}

func (h *deepgramCallbackHandler) UtteranceEnd(ur *msginterfaces.UtteranceEndResponse) error {
	h.onUtteranceEnd()
	return nil
}

func (h *deepgramCallbackHandler) Error(er *msginterfaces.ErrorResponse) error {
	h.onError(er)
	return nil
}

// DeepgramAdapter is the streaming STT adapter. It keeps a persistent
// websocket to the recognizer and forwards every inbound audio frame
// verbatim.
type DeepgramAdapter struct {
	cfg    *config.Config
	junk   *JunkFilter
	logger zerolog.Logger

	transcripts chan provider.Transcript
	errs        chan error

	mu        sync.RWMutex
	client    *listenClient.WSCallback
	connected bool

	ctx     context.Context
	cancel  context.CancelFunc
	breaker *resilience.CircuitBreaker
}

// NewDeepgramAdapter creates a streaming Deepgram adapter.
func NewDeepgramAdapter(cfg *config.Config) *DeepgramAdapter {
	return &DeepgramAdapter{
		cfg:         cfg,
		junk:        NewJunkFilter(cfg.JunkPhrases()),
		logger:      observability.GetLogger().With().Str("component", "stt_deepgram").Logger(),
		transcripts: make(chan provider.Transcript, 100),
		errs:        make(chan error, 10),
		breaker: resilience.NewCircuitBreaker(
			"deepgram",
			cfg.CircuitBreakerMaxFailures,
			time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
		),
	}
}

// Connect establishes the recognizer websocket for the session. It waits for
// the connection-open event and fails with ErrConnectTimeout after 5 seconds.
func (d *DeepgramAdapter) Connect(ctx context.Context, sessionID string) error {
	d.mu.Lock()
	if d.connected {
		d.mu.Unlock()
		return provider.ErrAlreadyConnected
	}
	d.mu.Unlock()

	d.ctx, d.cancel = context.WithCancel(context.Background())

	tOptions := &interfaces.LiveTranscriptionOptions{
		Model:          d.cfg.DeepgramModel,
		Language:       d.cfg.DeepgramLanguage,
		Punctuate:      true,
		InterimResults: true,
		UtteranceEndMs: "1000",
		VadEvents:      true,
		Channels:       1,
	}

	opened := make(chan struct{})
	var openOnce sync.Once

	callback := &deepgramCallbackHandler{
		DefaultCallbackHandler: websocketv1api.NewDefaultCallbackHandler(),
		onOpen: func() {
			openOnce.Do(func() { close(opened) })
		},
		onMessage:      d.handleMessage,
		onUtteranceEnd: func() { d.logger.Debug().Msg("utterance ended") },
		onError:        d.handleError,
	}

	client, err := listenClient.NewWSUsingCallback(
		d.ctx,
		d.cfg.DeepgramAPIKey,
		nil, // ClientOptions - nil uses defaults
		tOptions,
		callback,
	)
	if err != nil {
		d.cancel()
		return fmt.Errorf("%w: %v", provider.ErrProviderUnavailable, err)
	}

	select {
	case <-opened:
	case <-ctx.Done():
		client.Finish()
		d.cancel()
		return ctx.Err()
	case <-time.After(connectTimeout):
		client.Finish()
		d.cancel()
		return provider.ErrConnectTimeout
	}

	d.mu.Lock()
	d.client = client
	d.connected = true
	d.mu.Unlock()

	d.breaker.RecordResult(true)
	observability.UpdateCircuitBreakerState("deepgram", int(d.breaker.GetState()))

	d.logger.Info().
		Str("session_id", sessionID).
		Str("model", d.cfg.DeepgramModel).
		Str("language", d.cfg.DeepgramLanguage).
		Msg("Deepgram streaming connection established")
	return nil
}

// handleMessage processes transcript messages from the recognizer.
func (d *DeepgramAdapter) handleMessage(msg *msginterfaces.MessageResponse) {
	if msg == nil || len(msg.Channel.Alternatives) == 0 {
		return
	}

	alt := msg.Channel.Alternatives[0]
	if alt.Transcript == "" {
		return
	}

	// Recognized silence never surfaces as a transcript
	if d.junk.IsJunk(alt.Transcript) {
		d.logger.Debug().Str("text", alt.Transcript).Msg("junk transcript suppressed")
		return
	}

	result := provider.Transcript{
		Text:       alt.Transcript,
		IsFinal:    msg.IsFinal,
		Confidence: alt.Confidence,
	}

	select {
	case d.transcripts <- result:
	default:
		d.logger.Warn().Msg("transcript channel full, dropping transcript")
	}
}

func (d *DeepgramAdapter) handleError(er *msginterfaces.ErrorResponse) {
	d.breaker.RecordResult(false)
	observability.UpdateCircuitBreakerState("deepgram", int(d.breaker.GetState()))
	observability.IncrementCircuitBreakerFailures("deepgram")

	err := fmt.Errorf("deepgram: %s: %s", er.Description, er.ErrMsg)
	d.logger.Error().Err(err).Msg("recognizer error")

	select {
	case d.errs <- err:
	default:
	}
}

// SendAudio forwards one opaque audio frame to the recognizer.
func (d *DeepgramAdapter) SendAudio(data []byte) error {
	err := d.breaker.Call(func() error {
		d.mu.RLock()
		connected := d.connected
		client := d.client
		d.mu.RUnlock()

		if !connected || client == nil {
			return provider.ErrNotConnected
		}

		if _, err := client.Write(data); err != nil {
			return fmt.Errorf("failed to send audio to Deepgram: %w", err)
		}
		return nil
	})

	observability.UpdateCircuitBreakerState("deepgram", int(d.breaker.GetState()))
	if err != nil {
		observability.IncrementCircuitBreakerFailures("deepgram")
	}
	return err
}

// Transcripts returns the transcript sink.
func (d *DeepgramAdapter) Transcripts() <-chan provider.Transcript {
	return d.transcripts
}

// Errors returns the error sink.
func (d *DeepgramAdapter) Errors() <-chan error {
	return d.errs
}

// Disconnect flushes in-flight work and releases the connection. Idempotent.
func (d *DeepgramAdapter) Disconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.connected {
		return nil
	}

	d.client.Finish()
	d.connected = false
	if d.cancel != nil {
		d.cancel()
	}

	d.logger.Info().Msg("Deepgram streaming connection closed")
	return nil
}

// IsConnected reports whether the recognizer connection is established.
func (d *DeepgramAdapter) IsConnected() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.connected
}

// Info describes the adapter.
func (d *DeepgramAdapter) Info() provider.Info {
	return provider.Info{
		Name:             "deepgram",
		Model:            d.cfg.DeepgramModel,
		Language:         d.cfg.DeepgramLanguage,
		TypicalLatencyMs: 300,
	}
}
