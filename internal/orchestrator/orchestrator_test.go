package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ivanfer8/voice-agent/internal/config"
	"github.com/ivanfer8/voice-agent/internal/provider"
	"github.com/ivanfer8/voice-agent/internal/session"
)

// ---- fake client connection ----

type wsMsg struct {
	messageType int
	data        []byte
}

type fakeConn struct {
	mu     sync.Mutex
	events []ServerEvent
	errs   []ServerError
	binary [][]byte
	order  []string // event names, error kinds and "binary" in arrival order

	inbound chan wsMsg
	closed  bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan wsMsg, 32)}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	m, ok := <-f.inbound
	if !ok {
		return 0, nil, errors.New("connection closed")
	}
	return m.messageType, m.data, nil
}

func (f *fakeConn) WriteJSON(v interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch msg := v.(type) {
	case ServerEvent:
		f.events = append(f.events, msg)
		f.order = append(f.order, msg.Event)
	case ServerError:
		f.errs = append(f.errs, msg)
		f.order = append(f.order, msg.Error)
	}
	return nil
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.binary = append(f.binary, data)
	f.order = append(f.order, "binary")
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) sendText(t *testing.T, frame string) {
	t.Helper()
	f.inbound <- wsMsg{websocket.TextMessage, []byte(frame)}
}

func (f *fakeConn) sendBinary(size int) {
	f.inbound <- wsMsg{websocket.BinaryMessage, make([]byte, size)}
}

func (f *fakeConn) countEvent(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.order {
		if e == name {
			n++
		}
	}
	return n
}

func (f *fakeConn) eventOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.order))
	copy(out, f.order)
	return out
}

func (f *fakeConn) binaryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.binary)
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

// ---- fake providers ----

type fakeSTT struct {
	transcripts chan provider.Transcript
	errs        chan error
	connectErr  error

	mu        sync.Mutex
	sent      [][]byte
	connected bool
}

func newFakeSTT() *fakeSTT {
	return &fakeSTT{
		transcripts: make(chan provider.Transcript, 16),
		errs:        make(chan error, 4),
	}
}

func (s *fakeSTT) Connect(ctx context.Context, sessionID string) error {
	if s.connectErr != nil {
		return s.connectErr
	}
	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()
	return nil
}

func (s *fakeSTT) SendAudio(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, data)
	return nil
}

func (s *fakeSTT) Transcripts() <-chan provider.Transcript { return s.transcripts }
func (s *fakeSTT) Errors() <-chan error { return s.errs }
func (s *fakeSTT) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	return nil
}
func (s *fakeSTT) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}
func (s *fakeSTT) Info() provider.Info { return provider.Info{Name: "fake-stt", Model: "fake"} }

func (s *fakeSTT) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

type fakeLLM struct {
	fragments []string
	delay     time.Duration
	errAfter  int // emit an error after this many fragments; -1 disables
	errs      chan error

	mu        sync.Mutex
	cancelled bool
	cancelCh  chan struct{}
	histories [][]provider.Message
}

func newFakeLLM(fragments ...string) *fakeLLM {
	return &fakeLLM{
		fragments: fragments,
		errAfter:  -1,
		errs:      make(chan error, 4),
	}
}

func (l *fakeLLM) StreamResponse(ctx context.Context, history []provider.Message, clientName string) (<-chan string, error) {
	l.mu.Lock()
	snapshot := make([]provider.Message, len(history))
	copy(snapshot, history)
	l.histories = append(l.histories, snapshot)
	cancelCh := make(chan struct{})
	l.cancelCh = cancelCh
	l.cancelled = false
	errAfter := l.errAfter
	l.mu.Unlock()

	out := make(chan string)
	go func() {
		defer close(out)
		for i, f := range l.fragments {
			if errAfter >= 0 && i == errAfter {
				l.errs <- fmt.Errorf("upstream stream failure")
				// give the error pump a moment before the stream closes
				time.Sleep(20 * time.Millisecond)
				return
			}
			if l.delay > 0 {
				time.Sleep(l.delay)
			}
			select {
			case out <- f:
			case <-cancelCh:
				return
			}
		}
	}()
	return out, nil
}

func (l *fakeLLM) Cancel() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancelled {
		return
	}
	l.cancelled = true
	if l.cancelCh != nil {
		close(l.cancelCh)
	}
}

func (l *fakeLLM) Errors() <-chan error { return l.errs }
func (l *fakeLLM) Info() provider.Info { return provider.Info{Name: "fake-llm", Model: "fake"} }
func (l *fakeLLM) EstimateCost(messages []provider.Message) float64 { return 0.0001 }

func (l *fakeLLM) setErrAfter(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errAfter = n
}

func (l *fakeLLM) wasCancelled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cancelled
}

func (l *fakeLLM) lastHistory() []provider.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.histories) == 0 {
		return nil
	}
	return l.histories[len(l.histories)-1]
}

type synthCall struct {
	text  string
	flush bool
}

type fakeTTS struct {
	audio    chan []byte
	complete chan struct{}
	errs     chan error

	connectErr error
	synthErr   error

	mu      sync.Mutex
	calls   []synthCall
	cancels int
}

func newFakeTTS() *fakeTTS {
	return &fakeTTS{
		audio:    make(chan []byte, 32),
		complete: make(chan struct{}, 4),
		errs:     make(chan error, 4),
	}
}

func (f *fakeTTS) Connect(ctx context.Context, sessionID, voiceID string) error {
	return f.connectErr
}

func (f *fakeTTS) Synthesize(text string, flush bool) error {
	if f.synthErr != nil {
		return f.synthErr
	}
	f.mu.Lock()
	f.calls = append(f.calls, synthCall{text, flush})
	f.mu.Unlock()

	f.audio <- []byte("audio:" + text)
	if flush {
		f.complete <- struct{}{}
	}
	return nil
}

func (f *fakeTTS) AudioChunks() <-chan []byte { return f.audio }
func (f *fakeTTS) Complete() <-chan struct{} { return f.complete }
func (f *fakeTTS) Errors() <-chan error { return f.errs }
func (f *fakeTTS) Cancel() {
	f.mu.Lock()
	f.cancels++
	f.mu.Unlock()
}
func (f *fakeTTS) Disconnect() error { return nil }
func (f *fakeTTS) IsConnected() bool { return true }
func (f *fakeTTS) Info() provider.Info { return provider.Info{Name: "fake-tts", Model: "fake"} }

func (f *fakeTTS) synthCalls() []synthCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]synthCall, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *fakeTTS) cancelCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancels
}

// ---- harness ----

type harness struct {
	cfg      *config.Config
	registry *session.Registry
	conn     *fakeConn
	stt      *fakeSTT
	llm      *fakeLLM
	tts      *fakeTTS
	orch     *Orchestrator
	done     chan struct{}
}

func newHarness(t *testing.T, llmFake *fakeLLM) *harness {
	t.Helper()

	cfg := &config.Config{
		MaxHistoryMessages: 15,
		SessionTimeoutMs:   1800000,
		VADThresholdBytes:  100,
	}

	h := &harness{
		cfg:      cfg,
		registry: session.NewRegistry(cfg),
		conn:     newFakeConn(),
		stt:      newFakeSTT(),
		llm:      llmFake,
		tts:      newFakeTTS(),
		done:     make(chan struct{}),
	}
	t.Cleanup(h.registry.Close)

	factory := func(cfg *config.Config) ProviderSet {
		return ProviderSet{STT: h.stt, LLM: h.llm, TTS: h.tts}
	}
	h.orch = New(cfg, h.registry, h.conn, factory)

	go func() {
		h.orch.Run()
		close(h.done)
	}()
	return h
}

func (h *harness) init(t *testing.T) {
	t.Helper()
	h.conn.sendText(t, `{"type":"init","metadata":{"clientName":"Iván"}}`)
	waitFor(t, func() bool { return h.conn.countEvent(EventReady) == 1 }, "ready event")
}

func (h *harness) finish(t *testing.T) {
	t.Helper()
	close(h.conn.inbound)
	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		t.Fatal("orchestrator did not stop")
	}
}

func (h *harness) sess(t *testing.T) *session.Session {
	t.Helper()
	if h.orch.sess == nil {
		t.Fatal("no session")
	}
	return h.orch.sess
}

// ---- tests ----

func TestOrchestrator_ReadyCarriesProviderInfo(t *testing.T) {
	h := newHarness(t, newFakeLLM())
	h.init(t)
	defer h.finish(t)

	h.conn.mu.Lock()
	ready := h.conn.events[0]
	h.conn.mu.Unlock()

	data, ok := ready.Data.(ReadyData)
	if !ok {
		t.Fatalf("ready data has wrong type: %T", ready.Data)
	}
	if data.SessionID == "" {
		t.Error("ready missing session id")
	}
	if data.Providers.STT.Name != "fake-stt" || data.Providers.LLM.Name != "fake-llm" || data.Providers.TTS.Name != "fake-tts" {
		t.Errorf("unexpected provider infos: %+v", data.Providers)
	}
	if ready.Timestamp == 0 {
		t.Error("ready missing timestamp")
	}
}

func TestOrchestrator_DuplicateInit(t *testing.T) {
	h := newHarness(t, newFakeLLM())
	h.init(t)
	defer h.finish(t)

	h.conn.sendText(t, `{"type":"init","metadata":{}}`)
	waitFor(t, func() bool { return h.conn.countEvent(ErrMessageProcessing) == 1 }, "duplicate init error")

	// The session survives a duplicate init
	if h.registry.Count() != 1 {
		t.Errorf("expected 1 session, got %d", h.registry.Count())
	}
}

func TestOrchestrator_InitFailureTearsDown(t *testing.T) {
	h := newHarness(t, newFakeLLM())
	h.stt.connectErr = provider.ErrConnectTimeout

	h.conn.sendText(t, `{"type":"init","metadata":{}}`)

	waitFor(t, func() bool { return h.conn.countEvent(ErrInit) == 1 }, "init_error")
	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		t.Fatal("orchestrator did not tear down after init failure")
	}
	if h.registry.Count() != 0 {
		t.Errorf("expected 0 sessions after init failure, got %d", h.registry.Count())
	}
}

func TestOrchestrator_MalformedFrame(t *testing.T) {
	h := newHarness(t, newFakeLLM())
	h.init(t)
	defer h.finish(t)

	h.conn.sendText(t, `{not json`)
	h.conn.sendText(t, `{"type":"teleport"}`)

	waitFor(t, func() bool { return h.conn.countEvent(ErrMessageProcessing) == 2 }, "message errors")

	// Recoverable: the session stays up
	if h.registry.Count() != 1 {
		t.Error("malformed frames must not kill the session")
	}
}

func TestOrchestrator_HappyPath(t *testing.T) {
	h := newHarness(t, newFakeLLM("¡Hola!", " ¿En qué puedo ayudarte"))
	h.init(t)
	defer h.finish(t)

	// Audio flows to STT while idle, with no cancellation side effects
	h.conn.sendBinary(200)
	h.conn.sendBinary(200)
	h.conn.sendBinary(200)
	waitFor(t, func() bool { return h.stt.sentCount() == 3 }, "audio forwarded to STT")
	if h.tts.cancelCount() != 0 {
		t.Error("idle audio must not cancel TTS")
	}

	h.stt.transcripts <- provider.Transcript{Text: "ho", IsFinal: false, Confidence: 0.4}
	h.stt.transcripts <- provider.Transcript{Text: "hola", IsFinal: true, Confidence: 0.95}

	waitFor(t, func() bool { return h.conn.countEvent(EventAgentFinishedSpeaking) == 1 }, "agent_finished_speaking")

	if h.conn.countEvent(EventTranscriptPartial) != 1 {
		t.Error("expected one transcript_partial")
	}
	if h.conn.countEvent(EventTranscriptFinal) != 1 {
		t.Error("expected one transcript_final")
	}
	if h.conn.countEvent(EventLLMChunk) != 2 {
		t.Errorf("expected 2 llm_chunk events, got %d", h.conn.countEvent(EventLLMChunk))
	}
	if h.conn.binaryCount() < 1 {
		t.Error("expected at least one binary audio frame")
	}

	// History holds exactly the user turn and the full assistant reply
	sess := h.sess(t)
	waitFor(t, func() bool { return sess.HistoryLen() == 2 }, "history")
	history := sess.History()
	if history[0].Role != provider.RoleUser || history[0].Content != "hola" {
		t.Errorf("unexpected user turn: %+v", history[0])
	}
	if history[1].Role != provider.RoleAssistant || history[1].Content != "¡Hola! ¿En qué puedo ayudarte" {
		t.Errorf("unexpected assistant turn: %+v", history[1])
	}

	// The LLM saw the user turn
	last := h.llm.lastHistory()
	if len(last) != 1 || last[0].Content != "hola" {
		t.Errorf("unexpected LLM history: %+v", last)
	}

	// Agent is silent again
	st := sess.StateSnapshot()
	if st.AgentSpeaking || st.LLMStreaming || st.TTSStreaming {
		t.Errorf("expected idle state, got %+v", st)
	}
}

func TestOrchestrator_SentenceSplitting(t *testing.T) {
	h := newHarness(t, newFakeLLM("Vale.", " Te llamo", " por la", " fibra?"))
	h.init(t)
	defer h.finish(t)

	h.stt.transcripts <- provider.Transcript{Text: "llámame", IsFinal: true, Confidence: 0.9}

	waitFor(t, func() bool { return len(h.tts.synthCalls()) == 2 }, "two synthesize calls")

	calls := h.tts.synthCalls()
	if calls[0].text != "Vale." || calls[0].flush {
		t.Errorf("first synthesize = %+v, want {Vale. false}", calls[0])
	}
	if calls[1].text != "Te llamo por la fibra?" || !calls[1].flush {
		t.Errorf("second synthesize = %+v, want {Te llamo por la fibra? true}", calls[1])
	}

	sess := h.sess(t)
	waitFor(t, func() bool { return sess.HistoryLen() == 2 }, "history")
	assistant := sess.History()[1]
	if assistant.Content != "Vale. Te llamo por la fibra?" {
		t.Errorf("assistant turn = %q", assistant.Content)
	}
}

func TestOrchestrator_BargeIn(t *testing.T) {
	llmFake := newFakeLLM("Primera frase.", " Y ahora", " viene mucho", " más texto", " que nunca", " termina.")
	llmFake.delay = 40 * time.Millisecond
	h := newHarness(t, llmFake)
	h.init(t)
	defer h.finish(t)

	h.stt.transcripts <- provider.Transcript{Text: "hola", IsFinal: true, Confidence: 0.9}

	// Wait until the reply is streaming
	waitFor(t, func() bool { return h.conn.countEvent(EventLLMChunk) >= 2 }, "reply in flight")

	// Voiced audio during the reply is a barge-in
	h.conn.sendBinary(200)

	waitFor(t, func() bool { return h.conn.countEvent(EventInterruptionProcessed) == 1 }, "interruption_processed")
	waitFor(t, func() bool { return h.llm.wasCancelled() }, "LLM cancel")

	if h.tts.cancelCount() != 1 {
		t.Errorf("expected 1 TTS cancel, got %d", h.tts.cancelCount())
	}

	sess := h.sess(t)
	st := sess.StateSnapshot()
	if st.AgentSpeaking || st.TTSStreaming {
		t.Errorf("expected agent silenced after barge-in, got %+v", st)
	}

	// The interrupted reply never enters history
	waitFor(t, func() bool { return !sess.StateSnapshot().LLMStreaming }, "reply loop exit")
	time.Sleep(50 * time.Millisecond)
	if sess.HistoryLen() != 1 {
		t.Fatalf("expected only the user turn in history, got %d entries", sess.HistoryLen())
	}

	// The generation fence moved
	if sess.Buffers.Generation() != 1 {
		t.Errorf("expected output generation 1, got %d", sess.Buffers.Generation())
	}

	// A new utterance starts a clean turn: interruption precedes the new
	// transcript in the emitted order
	h.stt.transcripts <- provider.Transcript{Text: "otra cosa", IsFinal: true, Confidence: 0.9}
	waitFor(t, func() bool { return h.conn.countEvent(EventTranscriptFinal) == 2 }, "second transcript")

	order := h.conn.eventOrder()
	interruptionIdx, secondFinalIdx, finals := -1, -1, 0
	for i, name := range order {
		if name == EventInterruptionProcessed && interruptionIdx == -1 {
			interruptionIdx = i
		}
		if name == EventTranscriptFinal {
			finals++
			if finals == 2 {
				secondFinalIdx = i
			}
		}
	}
	if interruptionIdx == -1 || secondFinalIdx == -1 || interruptionIdx > secondFinalIdx {
		t.Errorf("interruption_processed (%d) must precede the new transcript_final (%d)", interruptionIdx, secondFinalIdx)
	}

	waitFor(t, func() bool { return sess.HistoryLen() >= 2 }, "new turn in history")
	if sess.History()[1].Role != provider.RoleUser || sess.History()[1].Content != "otra cosa" {
		t.Errorf("unexpected second turn: %+v", sess.History()[1])
	}
}

func TestOrchestrator_LLMErrorMidReply(t *testing.T) {
	llmFake := newFakeLLM("Uno.", " Dos.", " Tres.", " Cuatro.", " Cinco.", " Seis.")
	llmFake.errAfter = 5
	h := newHarness(t, llmFake)
	h.init(t)
	defer h.finish(t)

	h.stt.transcripts <- provider.Transcript{Text: "hola", IsFinal: true, Confidence: 0.9}

	waitFor(t, func() bool { return h.conn.countEvent(ErrLLM) == 1 }, "llm_error")

	sess := h.sess(t)
	waitFor(t, func() bool { return !sess.StateSnapshot().LLMStreaming }, "llm_streaming reset")

	// No retroactive cancel of audio already synthesized
	if h.tts.cancelCount() != 0 {
		t.Errorf("expected no TTS cancel on LLM error, got %d", h.tts.cancelCount())
	}

	// No assistant turn for the failed reply
	time.Sleep(50 * time.Millisecond)
	if sess.HistoryLen() != 1 {
		t.Fatalf("expected only the user turn, got %d entries", sess.HistoryLen())
	}

	// The session remains responsive
	llmFake.setErrAfter(-1)
	h.stt.transcripts <- provider.Transcript{Text: "sigues ahí", IsFinal: true, Confidence: 0.9}
	waitFor(t, func() bool { return sess.HistoryLen() >= 2 }, "next utterance handled")
}

func TestOrchestrator_ProviderErrorSurfaced(t *testing.T) {
	h := newHarness(t, newFakeLLM())
	h.init(t)
	defer h.finish(t)

	h.stt.errs <- errors.New("recognizer hiccup")
	waitFor(t, func() bool { return h.conn.countEvent(ErrSTT) == 1 }, "stt_error")

	h.tts.errs <- errors.New("synthesizer hiccup")
	waitFor(t, func() bool { return h.conn.countEvent(ErrTTS) == 1 }, "tts_error")

	if h.registry.Count() != 1 {
		t.Error("provider errors during a turn must not destroy the session")
	}
}

func TestOrchestrator_MetadataUpdate(t *testing.T) {
	h := newHarness(t, newFakeLLM())
	h.init(t)
	defer h.finish(t)

	h.conn.sendText(t, `{"type":"metadata","metadata":{"clientName":"María"}}`)

	sess := h.sess(t)
	waitFor(t, func() bool { return sess.ClientName() == "María" }, "metadata update")
}

func TestOrchestrator_TeardownOnClose(t *testing.T) {
	h := newHarness(t, newFakeLLM())
	h.init(t)

	h.finish(t)

	if h.registry.Count() != 0 {
		t.Errorf("expected 0 sessions after teardown, got %d", h.registry.Count())
	}
	if !h.conn.closed {
		t.Error("expected connection closed on teardown")
	}
}

func TestOrchestrator_AudioBeforeInit(t *testing.T) {
	h := newHarness(t, newFakeLLM())
	defer h.finish(t)

	h.conn.sendBinary(200)
	waitFor(t, func() bool { return h.conn.countEvent(ErrAudioProcessing) == 1 }, "audio_processing_error")
}

func TestParseClientFrame(t *testing.T) {
	frame, err := parseClientFrame([]byte(`{"type":"init","metadata":{"clientName":"Iván"}}`))
	if err != nil {
		t.Fatalf("parseClientFrame failed: %v", err)
	}
	if frame.Type != FrameInit || frame.Metadata["clientName"] != "Iván" {
		t.Errorf("unexpected frame: %+v", frame)
	}

	if _, err := parseClientFrame([]byte(`{`)); err == nil {
		t.Error("expected error for malformed JSON")
	}
	if _, err := parseClientFrame([]byte(`{"metadata":{}}`)); err == nil {
		t.Error("expected error for missing type")
	}
}

func TestServerFrameShapes(t *testing.T) {
	event := newEvent(EventLLMChunk, ChunkData{Chunk: "hola"})
	raw, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var decoded map[string]interface{}
	json.Unmarshal(raw, &decoded)
	if decoded["type"] != "event" || decoded["event"] != EventLLMChunk {
		t.Errorf("unexpected event frame: %s", raw)
	}
	if decoded["timestamp"] == nil {
		t.Error("event frame missing timestamp")
	}

	errFrame := newError(ErrLLM, "boom")
	raw, _ = json.Marshal(errFrame)
	json.Unmarshal(raw, &decoded)
	if decoded["type"] != "error" || decoded["error"] != ErrLLM || decoded["message"] != "boom" {
		t.Errorf("unexpected error frame: %s", raw)
	}
}
