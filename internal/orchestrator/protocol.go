package orchestrator

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ivanfer8/voice-agent/internal/provider"
)

// Client → server frame types
const (
	FrameInit     = "init"
	FrameMetadata = "metadata"
)

// Server → client event names
const (
	EventReady                 = "ready"
	EventTranscriptPartial     = "transcript_partial"
	EventTranscriptFinal       = "transcript_final"
	EventLLMChunk              = "llm_chunk"
	EventAgentFinishedSpeaking = "agent_finished_speaking"
	EventInterruptionProcessed = "interruption_processed"
)

// Server → client error kinds
const (
	ErrInit              = "init_error"
	ErrSTT               = "stt_error"
	ErrTTS               = "tts_error"
	ErrLLM               = "llm_error"
	ErrAudioProcessing   = "audio_processing_error"
	ErrMessageProcessing = "message_processing_error"
	ErrSynthesis         = "synthesis_error"
)

// ClientFrame is a text frame from the client.
type ClientFrame struct {
	Type     string            `json:"type"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ServerEvent is an event frame sent to the client.
type ServerEvent struct {
	Type      string      `json:"type"` // always "event"
	Event     string      `json:"event"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// ServerError is an error frame sent to the client.
type ServerError struct {
	Type      string `json:"type"` // always "error"
	Error     string `json:"error"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// ProviderInfos describes the three providers bound to a session.
type ProviderInfos struct {
	STT provider.Info `json:"stt"`
	LLM provider.Info `json:"llm"`
	TTS provider.Info `json:"tts"`
}

// ReadyData is the payload of the ready event.
type ReadyData struct {
	SessionID string        `json:"sessionId"`
	Providers ProviderInfos `json:"providers"`
}

// TranscriptData is the payload of transcript events.
type TranscriptData struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// ChunkData is the payload of llm_chunk events.
type ChunkData struct {
	Chunk string `json:"chunk"`
}

func parseClientFrame(message []byte) (*ClientFrame, error) {
	var frame ClientFrame
	if err := json.Unmarshal(message, &frame); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	if frame.Type == "" {
		return nil, fmt.Errorf("frame missing type")
	}
	return &frame, nil
}

func newEvent(event string, data interface{}) ServerEvent {
	return ServerEvent{
		Type:      "event",
		Event:     event,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}
}

func newError(kind, message string) ServerError {
	return ServerError{
		Type:      "error",
		Error:     kind,
		Message:   message,
		Timestamp: time.Now().UnixMilli(),
	}
}
