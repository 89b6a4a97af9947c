// Package llm wraps a chat-completions-style streaming endpoint behind the
// provider.LLM contract.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ivanfer8/voice-agent/internal/config"
	"github.com/ivanfer8/voice-agent/internal/observability"
	"github.com/ivanfer8/voice-agent/internal/provider"
)

const openAIChatURL = "https://api.openai.com/v1/chat/completions"

const defaultSystemPrompt = "Eres un agente de voz amable y conciso. " +
	"Responde en frases cortas aptas para síntesis de voz."

// per-1K-token USD rates, prompt/completion
var modelRates = map[string][2]float64{
	"gpt-4o":        {0.0025, 0.01},
	"gpt-4o-mini":   {0.00015, 0.0006},
	"gpt-4-turbo":   {0.01, 0.03},
	"gpt-3.5-turbo": {0.0005, 0.0015},
}

// OpenAIAdapter streams assistant replies token by token.
type OpenAIAdapter struct {
	cfg    *config.Config
	logger zerolog.Logger
	apiURL string
	client *http.Client

	errs chan error

	mu     sync.Mutex
	cancel context.CancelFunc // cancels the in-flight stream, nil when idle
}

// NewOpenAIAdapter creates a streaming chat-completions adapter.
func NewOpenAIAdapter(cfg *config.Config) *OpenAIAdapter {
	return &OpenAIAdapter{
		cfg:    cfg,
		logger: observability.GetLogger().With().Str("component", "llm_openai").Logger(),
		apiURL: openAIChatURL,
		client: &http.Client{Timeout: 2 * time.Minute},
		errs:   make(chan error, 10),
	}
}

// StreamResponse begins streaming a reply for the given history. The returned
// channel is closed when the reply is complete or the stream is cancelled;
// fragments concatenated in arrival order equal the full reply text.
func (o *OpenAIAdapter) StreamResponse(ctx context.Context, history []provider.Message, clientName string) (<-chan string, error) {
	streamCtx, cancel := context.WithCancel(ctx)

	o.mu.Lock()
	if o.cancel != nil {
		o.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("a response stream is already active")
	}
	o.cancel = cancel
	o.mu.Unlock()

	resp, err := o.openStream(streamCtx, history, clientName)
	if err != nil {
		o.clearCancel()
		cancel()
		return nil, err
	}

	// Unbuffered: after Cancel fires no further fragment can be handed off.
	out := make(chan string)

	go func() {
		defer func() {
			resp.Body.Close()
			close(out)
			o.clearCancel()
			cancel()
		}()
		o.consume(streamCtx, resp.Body, out)
	}()

	return out, nil
}

func (o *OpenAIAdapter) openStream(ctx context.Context, history []provider.Message, clientName string) (*http.Response, error) {
	messages := []map[string]string{
		{"role": "system", "content": o.systemPrompt(clientName)},
	}
	for _, msg := range history {
		messages = append(messages, map[string]string{
			"role":    msg.Role,
			"content": msg.Content,
		})
	}

	requestBody := map[string]interface{}{
		"model":       o.cfg.OpenAIModel,
		"messages":    messages,
		"temperature": o.cfg.OpenAITemperature,
		"max_tokens":  o.cfg.OpenAIMaxTokens,
		"stream":      true,
	}

	bodyBytes, err := json.Marshal(requestBody)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.apiURL, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+o.cfg.OpenAIAPIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("LLM request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("LLM API returned %d: %s", resp.StatusCode, msg)
	}

	return resp, nil
}

// consume reads SSE lines and publishes content deltas until [DONE], error,
// or cancellation. A cancellation-induced abort is a clean end of stream,
// never an error.
func (o *OpenAIAdapter) consume(ctx context.Context, body io.Reader, out chan<- string) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			return
		}

		var streamResp struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
		}
		if err := json.Unmarshal([]byte(data), &streamResp); err != nil {
			continue
		}

		if len(streamResp.Choices) == 0 {
			continue
		}
		content := streamResp.Choices[0].Delta.Content
		if content == "" {
			continue
		}

		select {
		case out <- content:
		case <-ctx.Done():
			return
		}
	}

	if err := scanner.Err(); err != nil {
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return
		}
		o.logger.Error().Err(err).Msg("stream read error")
		select {
		case o.errs <- err:
		default:
		}
	}
}

func (o *OpenAIAdapter) systemPrompt(clientName string) string {
	prompt := o.cfg.SystemPrompt
	if prompt == "" {
		prompt = defaultSystemPrompt
	}
	if clientName != "" {
		prompt += fmt.Sprintf(" El cliente se llama %s.", clientName)
	}
	return prompt
}

// Cancel aborts the in-flight upstream request. No fragment is delivered
// after Cancel returns. Safe to call with no active stream.
func (o *OpenAIAdapter) Cancel() {
	o.mu.Lock()
	cancel := o.cancel
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (o *OpenAIAdapter) clearCancel() {
	o.mu.Lock()
	o.cancel = nil
	o.mu.Unlock()
}

// Errors returns the error sink.
func (o *OpenAIAdapter) Errors() <-chan error {
	return o.errs
}

// Info describes the adapter.
func (o *OpenAIAdapter) Info() provider.Info {
	return provider.Info{
		Name:             "openai",
		Model:            o.cfg.OpenAIModel,
		TypicalLatencyMs: 600,
	}
}

// EstimateCost returns the approximate USD cost of a completion over the
// given messages, using a 4-characters-per-token estimate.
func (o *OpenAIAdapter) EstimateCost(messages []provider.Message) float64 {
	rates, ok := modelRates[o.cfg.OpenAIModel]
	if !ok {
		rates = modelRates["gpt-4o-mini"]
	}

	promptChars := 0
	for _, m := range messages {
		promptChars += len(m.Content)
	}
	promptTokens := float64(promptChars) / 4.0
	completionTokens := float64(o.cfg.OpenAIMaxTokens)

	return promptTokens/1000.0*rates[0] + completionTokens/1000.0*rates[1]
}
