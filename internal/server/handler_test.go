package server

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/hearthlabs/hearth/internal/domain"
	"github.com/hearthlabs/hearth/internal/executor"
	"github.com/hearthlabs/hearth/internal/protocol"
	"github.com/hearthlabs/hearth/internal/speech"
)

type stubDeviceStore struct {
	mu       sync.Mutex
	upserted []*domain.Device
	room     *domain.Room
}

func (s *stubDeviceStore) UpsertDevice(_ context.Context, dev *domain.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserted = append(s.upserted, dev)
	return nil
}

func (s *stubDeviceStore) GetRoomByName(_ context.Context, name string) (*domain.Room, error) {
	if s.room != nil && s.room.Name == name {
		return s.room, nil
	}
	return nil, domain.ErrNotFound
}

func (s *stubDeviceStore) GetRoom(_ context.Context, roomID string) (*domain.Room, error) {
	if s.room != nil && s.room.ID == roomID {
		return s.room, nil
	}
	return nil, domain.ErrNotFound
}

func (s *stubDeviceStore) GetDeviceByAddr(context.Context, string) (*domain.Device, error) {
	return nil, domain.ErrNotFound
}

// newWSServer mounts the fixture's pipeline behind real websocket endpoints.
func newWSServer(t *testing.T, f *pipelineFixture, devices DeviceStore, stt *speech.STTClient) *httptest.Server {
	t.Helper()
	cfg := f.pipeline.cfg
	cfg.Server.AllowedOrigins = []string{"*"}
	cfg.Server.RateLimitPerSecond = 100
	cfg.Server.RateLimitBurst = 50
	cfg.Server.HeartbeatInterval = time.Minute
	cfg.Server.HeartbeatGrace = 5 * time.Minute

	h := NewWSHandler(NewHub(), f.pipeline, devices, stt, nil, cfg)
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/chat", h.ServeChat)
	mux.HandleFunc("/ws/device", h.ServeDevice)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func dialWS(t *testing.T, srv *httptest.Server, path string, subprotocols ...string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	d := websocket.Dialer{Subprotocols: subprotocols}
	ws, _, err := d.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func writeFrame(t *testing.T, ws *websocket.Conn, codec protocol.Codec, frame any) {
	t.Helper()
	data, err := codec.Marshal(frame)
	require.NoError(t, err)
	msgType := websocket.TextMessage
	if codec.Binary() {
		msgType = websocket.BinaryMessage
	}
	require.NoError(t, ws.WriteMessage(msgType, data))
}

func readFrame(t *testing.T, ws *websocket.Conn, codec protocol.Codec) map[string]any {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, codec.Unmarshal(data, &m))
	return m
}

// awaitFrame reads until a frame of the wanted type arrives.
func awaitFrame(t *testing.T, ws *websocket.Conn, codec protocol.Codec, typ string) map[string]any {
	t.Helper()
	for i := 0; i < 32; i++ {
		if f := readFrame(t, ws, codec); f["type"] == typ {
			return f
		}
	}
	t.Fatalf("no %s frame within 32 reads", typ)
	return nil
}

func TestChatTextRoundTrip(t *testing.T) {
	f := newFixture(t,
		withCandidates(domain.IntentCandidate{Label: domain.LabelConversation, Confidence: 1}),
	)
	srv := newWSServer(t, f, &stubDeviceStore{}, nil)
	ws := dialWS(t, srv, "/ws/chat")

	writeFrame(t, ws, protocol.JSON, &protocol.Text{
		Type: protocol.TypeText, Content: "good morning", SessionID: "sess_morning",
	})

	done := awaitFrame(t, ws, protocol.JSON, "done")
	require.Equal(t, "sess_morning", done["session_id"])

	msgs := f.store.messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "good morning", msgs[0].Content)
	require.Equal(t, "All done.", msgs[1].Content)
}

func TestChatTextWithRAGScope(t *testing.T) {
	f := newFixture(t,
		withResult(domain.LabelKnowledgeAsk, executor.Result{Kind: executor.OK, Value: "Policy 12345."}),
	)
	srv := newWSServer(t, f, &stubDeviceStore{}, nil)
	ws := dialWS(t, srv, "/ws/chat")

	writeFrame(t, ws, protocol.JSON, &protocol.Text{
		Type: protocol.TypeText, Content: "what's my policy number",
		SessionID: "sess_docs", UseRAG: true, KnowledgeBaseID: "kb_paperwork",
	})
	awaitFrame(t, ws, protocol.JSON, "done")

	require.Equal(t, []string{domain.LabelKnowledgeAsk}, f.exec.calls)
	require.Equal(t, "kb_paperwork", f.exec.params[0]["knowledge_base_id"])
	// The scope sticks to the session for follow-up turns.
	writeFrame(t, ws, protocol.JSON, &protocol.Text{
		Type: protocol.TypeText, Content: "and the renewal date?",
		SessionID: "sess_docs", UseRAG: true,
	})
	awaitFrame(t, ws, protocol.JSON, "done")
	require.Equal(t, "kb_paperwork", f.exec.params[1]["knowledge_base_id"])
}

func TestDeviceMustRegisterFirst(t *testing.T) {
	f := newFixture(t)
	srv := newWSServer(t, f, &stubDeviceStore{}, nil)
	ws := dialWS(t, srv, "/ws/device")

	writeFrame(t, ws, protocol.JSON, &protocol.Text{Type: protocol.TypeText, Content: "hi"})

	errFrame := awaitFrame(t, ws, protocol.JSON, "error")
	require.Equal(t, "registration-required", errFrame["code"])

	// The connection is closed after the protocol violation.
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := ws.ReadMessage()
	require.Error(t, err)
}

func TestDeviceRegistration(t *testing.T) {
	f := newFixture(t)
	devices := &stubDeviceStore{room: &domain.Room{ID: "room_kitchen", Name: "kitchen"}}
	srv := newWSServer(t, f, devices, nil)
	ws := dialWS(t, srv, "/ws/device")

	writeFrame(t, ws, protocol.JSON, &protocol.Register{
		Type:       protocol.TypeRegister,
		DeviceID:   "sat_kitchen",
		DeviceKind: "satellite",
		Room:       "kitchen",
		Capabilities: domain.Capabilities{
			Microphone: true, Speaker: true, WakeWord: true,
		},
		Stationary: true,
	})

	ack := awaitFrame(t, ws, protocol.JSON, "register_ack")
	require.Equal(t, true, ack["success"])
	require.Equal(t, "sat_kitchen", ack["device_id"])
	require.Equal(t, "room_kitchen", ack["room_id"])

	devices.mu.Lock()
	defer devices.mu.Unlock()
	require.Len(t, devices.upserted, 1)
	require.Equal(t, "room_kitchen", devices.upserted[0].RoomID)
}

func TestDeviceRegistrationUnknownKind(t *testing.T) {
	f := newFixture(t)
	srv := newWSServer(t, f, &stubDeviceStore{}, nil)
	ws := dialWS(t, srv, "/ws/device")

	writeFrame(t, ws, protocol.JSON, &protocol.Register{
		Type: protocol.TypeRegister, DeviceID: "x", DeviceKind: "toaster",
	})

	ack := awaitFrame(t, ws, protocol.JSON, "register_ack")
	require.Equal(t, false, ack["success"])
	require.Contains(t, ack["error"], "toaster")
}

func TestDeviceMsgpackNegotiation(t *testing.T) {
	f := newFixture(t)
	srv := newWSServer(t, f, &stubDeviceStore{}, nil)
	ws := dialWS(t, srv, "/ws/device", subprotocolMsgpack)
	require.Equal(t, subprotocolMsgpack, ws.Subprotocol())

	writeFrame(t, ws, protocol.Msgpack, &protocol.Register{
		Type: protocol.TypeRegister, DeviceID: "panel_hall", DeviceKind: "panel",
		Capabilities: domain.Capabilities{Speaker: true, DisplayWidth: 1280, DisplayHeight: 800},
	})

	ack := awaitFrame(t, ws, protocol.Msgpack, "register_ack")
	require.Equal(t, true, ack["success"])
}

func TestHeartbeat(t *testing.T) {
	f := newFixture(t)
	srv := newWSServer(t, f, &stubDeviceStore{}, nil)
	ws := dialWS(t, srv, "/ws/device")

	writeFrame(t, ws, protocol.JSON, &protocol.Register{
		Type: protocol.TypeRegister, DeviceID: "sat_1", DeviceKind: "satellite",
	})
	awaitFrame(t, ws, protocol.JSON, "register_ack")

	writeFrame(t, ws, protocol.JSON, &protocol.Heartbeat{Type: protocol.TypeHeartbeat})
	awaitFrame(t, ws, protocol.JSON, "heartbeat_ack")
}

func TestSilenceTimeoutFinishesUtterance(t *testing.T) {
	stt := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"text": "lights off please"}`))
	}))
	defer stt.Close()

	f := newFixture(t,
		withCandidates(domain.IntentCandidate{Label: domain.LabelConversation, Confidence: 1}),
	)
	srv := newWSServer(t, f, &stubDeviceStore{}, speech.NewSTT(stt.URL))
	f.pipeline.cfg.Server.AudioSilenceTimeout = 150 * time.Millisecond
	ws := dialWS(t, srv, "/ws/device")

	writeFrame(t, ws, protocol.JSON, &protocol.Register{
		Type: protocol.TypeRegister, DeviceID: "sat_1", DeviceKind: "satellite",
		Capabilities: domain.Capabilities{Microphone: true},
	})
	awaitFrame(t, ws, protocol.JSON, "register_ack")

	// The satellite streams one chunk and dies: no audio_end ever arrives.
	writeFrame(t, ws, protocol.JSON, &protocol.WakewordDetected{
		Type: protocol.TypeWakewordDetected, Keyword: "hey hearth",
	})
	writeFrame(t, ws, protocol.JSON, &protocol.Audio{
		Type: protocol.TypeAudio, Chunk: base64.StdEncoding.EncodeToString([]byte("RIFFfake")),
	})

	tr := awaitFrame(t, ws, protocol.JSON, "transcription")
	require.Equal(t, "lights off please", tr["text"])
	awaitFrame(t, ws, protocol.JSON, "done")
}

func TestRateLimiting(t *testing.T) {
	f := newFixture(t,
		withCandidates(domain.IntentCandidate{Label: domain.LabelConversation, Confidence: 1}),
	)
	srv := newWSServer(t, f, &stubDeviceStore{}, nil)
	f.pipeline.cfg.Server.RateLimitPerSecond = 0.01
	f.pipeline.cfg.Server.RateLimitBurst = 1
	ws := dialWS(t, srv, "/ws/chat")

	writeFrame(t, ws, protocol.JSON, &protocol.Text{Type: protocol.TypeText, Content: "one"})
	writeFrame(t, ws, protocol.JSON, &protocol.Text{Type: protocol.TypeText, Content: "two"})

	errFrame := awaitFrame(t, ws, protocol.JSON, "error")
	require.Equal(t, "rate-limited", errFrame["code"])
}

func TestVoiceUtterance(t *testing.T) {
	stt := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"text": "turn off the light"}`))
	}))
	defer stt.Close()

	f := newFixture(t,
		withCandidates(domain.IntentCandidate{Label: domain.LabelConversation, Confidence: 1}),
	)
	srv := newWSServer(t, f, &stubDeviceStore{}, speech.NewSTT(stt.URL))
	ws := dialWS(t, srv, "/ws/device")

	writeFrame(t, ws, protocol.JSON, &protocol.Register{
		Type: protocol.TypeRegister, DeviceID: "sat_1", DeviceKind: "satellite",
		Capabilities: domain.Capabilities{Microphone: true},
	})
	awaitFrame(t, ws, protocol.JSON, "register_ack")

	writeFrame(t, ws, protocol.JSON, &protocol.WakewordDetected{
		Type: protocol.TypeWakewordDetected, Keyword: "hey hearth",
	})
	writeFrame(t, ws, protocol.JSON, &protocol.Audio{
		Type: protocol.TypeAudio, Chunk: base64.StdEncoding.EncodeToString([]byte("RIFFfake")),
	})
	writeFrame(t, ws, protocol.JSON, &protocol.AudioEnd{Type: protocol.TypeAudioEnd})

	tr := awaitFrame(t, ws, protocol.JSON, "transcription")
	require.Equal(t, "turn off the light", tr["text"])
	awaitFrame(t, ws, protocol.JSON, "done")

	msgs := f.store.messages()
	require.Equal(t, "turn off the light", msgs[0].Content)
	require.True(t, strings.HasPrefix(msgs[0].SessionID, "satellite-sat_1-"))
}
