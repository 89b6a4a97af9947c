package orchestrator

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/ivanfer8/voice-agent/internal/config"
	"github.com/ivanfer8/voice-agent/internal/llm"
	"github.com/ivanfer8/voice-agent/internal/observability"
	"github.com/ivanfer8/voice-agent/internal/session"
	"github.com/ivanfer8/voice-agent/internal/stt"
	"github.com/ivanfer8/voice-agent/internal/tts"
)

var upgrader = websocket.Upgrader{
	// TODO: restrict origins once the web client's deploy domains are fixed
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// DefaultProviderFactory builds the production adapters according to config.
func DefaultProviderFactory(cfg *config.Config) ProviderSet {
	set := ProviderSet{
		LLM: llm.NewOpenAIAdapter(cfg),
		TTS: tts.NewElevenLabsAdapter(cfg),
	}

	switch cfg.STTProvider {
	case "buffered":
		set.STT = stt.NewWhisperAdapter(cfg)
	default:
		set.STT = stt.NewDeepgramAdapter(cfg)
	}

	return set
}

// HandleVoiceWS is the duplex socket endpoint: one orchestrator per
// connection.
func HandleVoiceWS(cfg *config.Config, registry *session.Registry) http.HandlerFunc {
	logger := observability.GetLogger()

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Error().Err(err).Msg("websocket upgrade failed")
			return
		}

		logger.Info().Str("remote", r.RemoteAddr).Msg("voice connection established")

		o := New(cfg, registry, conn, DefaultProviderFactory)
		o.Run()
	}
}
