package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ivanfer8/voice-agent/internal/config"
	"github.com/ivanfer8/voice-agent/internal/observability"
	"github.com/ivanfer8/voice-agent/internal/provider"
	"github.com/ivanfer8/voice-agent/internal/resilience"
)

const whisperAPIURL = "https://api.openai.com/v1/audio/transcriptions"

// WhisperAdapter is the buffered STT adapter for a recognizer without a
// streaming endpoint. Inbound frames at or above the minimum size are treated
// as self-contained utterance files and submitted as one-shot transcriptions;
// undersized frames accumulate until a periodic sweep concatenates and
// submits them. There are no interim transcripts in this mode.
type WhisperAdapter struct {
	cfg      *config.Config
	junk     *JunkFilter
	logger   zerolog.Logger
	apiURL   string
	client   *http.Client
	retryCfg *resilience.RetryConfig

	transcripts chan provider.Transcript
	errs        chan error

	mu        sync.Mutex
	connected bool
	accum     []byte

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWhisperAdapter creates a buffered Whisper adapter.
func NewWhisperAdapter(cfg *config.Config) *WhisperAdapter {
	return &WhisperAdapter{
		cfg:    cfg,
		junk:   NewJunkFilter(cfg.JunkPhrases()),
		logger: observability.GetLogger().With().Str("component", "stt_whisper").Logger(),
		apiURL: whisperAPIURL,
		client: &http.Client{Timeout: 30 * time.Second},
		retryCfg: &resilience.RetryConfig{
			MaxAttempts:    cfg.RetryMaxAttempts,
			InitialBackoff: time.Duration(cfg.RetryInitialBackoff) * time.Millisecond,
			MaxBackoff:     5 * time.Second,
			Multiplier:     2.0,
		},
		transcripts: make(chan provider.Transcript, 100),
		errs:        make(chan error, 10),
	}
}

// Connect starts the accumulator sweep. The buffered recognizer has no
// persistent upstream connection, so the only failure mode here is a missing
// credential.
func (w *WhisperAdapter) Connect(ctx context.Context, sessionID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.connected {
		return provider.ErrAlreadyConnected
	}
	if w.cfg.WhisperAPIKey == "" {
		return fmt.Errorf("%w: missing API key", provider.ErrProviderUnavailable)
	}

	w.ctx, w.cancel = context.WithCancel(context.Background())
	w.connected = true

	w.wg.Add(1)
	go w.sweepLoop()

	w.logger.Info().
		Str("session_id", sessionID).
		Str("model", w.cfg.WhisperModel).
		Msg("buffered STT started")
	return nil
}

// SendAudio accepts one inbound audio frame. Frames at or above the minimum
// size are submitted immediately in the background so the caller never waits
// on upstream I/O; undersized frames are accumulated for the sweep.
func (w *WhisperAdapter) SendAudio(data []byte) error {
	w.mu.Lock()
	if !w.connected {
		w.mu.Unlock()
		return provider.ErrNotConnected
	}

	if len(data) < w.cfg.STTMinChunkBytes {
		w.accum = append(w.accum, data...)
		w.mu.Unlock()
		return nil
	}
	ctx := w.ctx
	w.wg.Add(1)
	w.mu.Unlock()

	chunk := make([]byte, len(data))
	copy(chunk, data)

	go func() {
		defer w.wg.Done()
		w.submit(ctx, chunk)
	}()
	return nil
}

// sweepLoop periodically inspects the accumulator for undersized frames that
// have piled up into a transcribable buffer.
func (w *WhisperAdapter) sweepLoop() {
	defer w.wg.Done()

	interval := time.Duration(w.cfg.STTSweepIntervalMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.mu.Lock()
			if len(w.accum) < w.cfg.STTMinChunkBytes {
				w.mu.Unlock()
				continue
			}
			buf := w.accum
			w.accum = nil
			ctx := w.ctx
			w.mu.Unlock()

			w.submit(ctx, buf)
		}
	}
}

// submit runs one synchronous transcription call and surfaces the result.
func (w *WhisperAdapter) submit(ctx context.Context, audio []byte) {
	start := time.Now()

	var text string
	err := resilience.Retry(ctx, func() error {
		var callErr error
		text, callErr = w.transcribe(ctx, audio)
		return callErr
	}, w.retryCfg, resilience.IsRetryableNetworkError)

	if err != nil {
		if ctx.Err() != nil {
			return
		}
		w.logger.Error().Err(err).Int("bytes", len(audio)).Msg("transcription failed")
		select {
		case w.errs <- err:
		default:
		}
		return
	}

	w.logger.Debug().
		Dur("latency", time.Since(start)).
		Int("bytes", len(audio)).
		Str("text", text).
		Msg("transcription completed")

	// Recognized silence never surfaces as a transcript
	if w.junk.IsJunk(text) {
		return
	}

	select {
	case w.transcripts <- provider.Transcript{Text: text, IsFinal: true, Confidence: 1.0}:
	default:
		w.logger.Warn().Msg("transcript channel full, dropping transcript")
	}
}

// transcribe performs the one-shot multipart transcription request.
func (w *WhisperAdapter) transcribe(ctx context.Context, audio []byte) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	part, err := mw.CreateFormFile("file", "utterance.webm")
	if err != nil {
		return "", err
	}
	if _, err := part.Write(audio); err != nil {
		return "", err
	}
	if err := mw.WriteField("model", w.cfg.WhisperModel); err != nil {
		return "", err
	}
	if w.cfg.WhisperLanguage != "" {
		// Optional language hint
		_ = mw.WriteField("language", w.cfg.WhisperLanguage)
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.apiURL, &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+w.cfg.WhisperAPIKey)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := w.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("transcription API returned %d: %s", resp.StatusCode, msg)
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode transcription response: %w", err)
	}
	return result.Text, nil
}

// Transcripts returns the transcript sink.
func (w *WhisperAdapter) Transcripts() <-chan provider.Transcript {
	return w.transcripts
}

// Errors returns the error sink.
func (w *WhisperAdapter) Errors() <-chan error {
	return w.errs
}

// Disconnect stops the sweep and releases resources. Idempotent.
func (w *WhisperAdapter) Disconnect() error {
	w.mu.Lock()
	if !w.connected {
		w.mu.Unlock()
		return nil
	}
	w.connected = false
	w.accum = nil
	cancel := w.cancel
	w.mu.Unlock()

	cancel()
	w.wg.Wait()

	w.logger.Info().Msg("buffered STT stopped")
	return nil
}

// IsConnected reports whether the adapter is accepting audio.
func (w *WhisperAdapter) IsConnected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.connected
}

// Info describes the adapter.
func (w *WhisperAdapter) Info() provider.Info {
	return provider.Info{
		Name:             "whisper",
		Model:            w.cfg.WhisperModel,
		Language:         w.cfg.WhisperLanguage,
		TypicalLatencyMs: 1500,
	}
}
