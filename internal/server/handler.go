package server

import (
	"context"
	"encoding/base64"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hearthlabs/hearth/internal/config"
	"github.com/hearthlabs/hearth/internal/domain"
	"github.com/hearthlabs/hearth/internal/id"
	"github.com/hearthlabs/hearth/internal/protocol"
	"github.com/hearthlabs/hearth/internal/speech"
)

const subprotocolMsgpack = "hearth-msgpack"

// DeviceStore is the device/room persistence the registration flow needs.
type DeviceStore interface {
	UpsertDevice(ctx context.Context, dev *domain.Device) error
	GetRoomByName(ctx context.Context, name string) (*domain.Room, error)
	GetRoom(ctx context.Context, roomID string) (*domain.Room, error)
	GetDeviceByAddr(ctx context.Context, addr string) (*domain.Device, error)
}

// PermitFactory builds the opaque permission predicate handed to a
// connection at registration. A nil factory (or nil predicate) permits
// everything.
type PermitFactory func(dev *domain.Device) domain.PermissionFunc

// WSHandler serves the chat and device websocket endpoints.
type WSHandler struct {
	hub      *Hub
	pipeline *Pipeline
	devices  DeviceStore
	stt      *speech.STTClient
	permits  PermitFactory
	cfg      *config.Config
	upgrader websocket.Upgrader
}

func NewWSHandler(hub *Hub, pipeline *Pipeline, devices DeviceStore, stt *speech.STTClient, permits PermitFactory, cfg *config.Config) *WSHandler {
	h := &WSHandler{
		hub:      hub,
		pipeline: pipeline,
		devices:  devices,
		stt:      stt,
		permits:  permits,
		cfg:      cfg,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		Subprotocols:    []string{subprotocolMsgpack},
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *WSHandler) checkOrigin(r *http.Request) bool {
	for _, o := range h.cfg.Server.AllowedOrigins {
		if o == "*" {
			return true
		}
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return h.cfg.Server.AllowEmptyOrigin
	}
	for _, allowed := range h.cfg.Server.AllowedOrigins {
		if allowed == origin {
			return true
		}
	}
	return false
}

// ServeChat handles browser chat connections: JSON frames, no registration,
// no audio.
func (h *WSHandler) ServeChat(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, false)
}

// ServeDevice handles panels and satellites: registration first, heartbeats,
// audio in, state frames out. Devices negotiating the msgpack subprotocol
// get binary frames.
func (h *WSHandler) ServeDevice(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, true)
}

// ServeMonitor serves a read-only subscriber that receives a copy of every
// frame the hub sends, optionally filtered with ?session=. Used by the dev
// UI to watch a conversation live.
func (h *WSHandler) ServeMonitor(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws: upgrade failed", "error", err)
		return
	}

	c := newConn(ws, protocol.JSON, h.hub, nil, false)
	c.monitor = true
	h.hub.add(c)
	h.hub.addMonitor(c, r.URL.Query().Get("session"))
	defer func() {
		c.close()
		h.hub.remove(c)
	}()

	go c.writeLoop()
	slog.Info("ws: monitor connected", "session", r.URL.Query().Get("session"), "remote", r.RemoteAddr)

	// Monitors never speak; the read loop only notices the disconnect.
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *WSHandler) serve(w http.ResponseWriter, r *http.Request, isDevice bool) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws: upgrade failed", "error", err)
		return
	}

	codec := protocol.JSON
	if ws.Subprotocol() == subprotocolMsgpack {
		codec = protocol.Msgpack
	}

	limiter := newTokenBucket(h.cfg.Server.RateLimitPerSecond, h.cfg.Server.RateLimitBurst)
	c := newConn(ws, codec, h.hub, limiter, isDevice)
	h.hub.add(c)
	defer func() {
		c.close()
		h.hub.remove(c)
	}()

	go c.writeLoop()
	slog.Info("ws: connected", "endpoint", endpoint(isDevice), "codec", codec.Name(), "remote", r.RemoteAddr)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("ws: read error", "error", err)
			}
			return
		}

		if !limiter.Allow() {
			c.SendError("rate-limited", "too many messages, slow down")
			continue
		}

		frame, err := protocol.Decode(codec, data)
		if err != nil {
			c.SendError("bad-frame", err.Error())
			continue
		}

		if !h.dispatch(r, c, frame) {
			return
		}
	}
}

func endpoint(isDevice bool) string {
	if isDevice {
		return "device"
	}
	return "chat"
}

// dispatch handles one inbound frame; false closes the connection.
func (h *WSHandler) dispatch(r *http.Request, c *Conn, frame any) bool {
	// The device endpoint requires register as the very first frame.
	if c.isDevice && !c.registered() {
		reg, ok := frame.(*protocol.Register)
		if !ok {
			c.SendError("registration-required", "first frame must be register")
			return false
		}
		return h.register(r, c, reg)
	}

	switch f := frame.(type) {
	case *protocol.Register:
		// Re-registration updates the device record in place.
		return h.register(r, c, f)

	case *protocol.Heartbeat:
		c.markHeartbeat()
		c.Send(&protocol.HeartbeatAck{Type: protocol.TypeHeartbeatAck})

	case *protocol.Text:
		if f.KnowledgeBaseID != "" {
			c.setKnowledgeBase(f.KnowledgeBaseID)
		}
		opts := TurnOptions{UseRAG: f.UseRAG, KnowledgeBase: f.KnowledgeBaseID}
		ctx := c.beginTurn(context.Background())
		go func() {
			defer c.endTurn()
			h.pipeline.RunText(ctx, c, f.SessionID, f.Content, opts)
		}()

	case *protocol.Cancel:
		c.cancelTurn()

	case *protocol.WakewordDetected:
		slog.Debug("ws: wakeword", "device", c.DeviceID(), "keyword", f.Keyword, "confidence", f.Confidence)
		c.setState(StateReceivingAudio)

	case *protocol.Audio:
		chunk, err := base64.StdEncoding.DecodeString(f.Chunk)
		if err != nil {
			c.SendError("bad-audio", "chunk is not valid base64")
			return true
		}
		c.setState(StateReceivingAudio)
		c.appendAudio(f.SessionID, chunk)
		// A device that dies mid-utterance never sends audio_end; the
		// silence window finishes the utterance for it.
		c.armSilence(h.cfg.Server.AudioSilenceTimeout, func() {
			if c.State() != StateReceivingAudio {
				return
			}
			slog.Debug("ws: silence window elapsed, finishing utterance", "device", c.DeviceID())
			h.finishUtterance(c, &protocol.AudioEnd{Type: protocol.TypeAudioEnd, SessionID: f.SessionID})
		})

	case *protocol.AudioEnd:
		c.disarmSilence()
		h.finishUtterance(c, f)

	case *protocol.StartSession:
		h.startSession(c)

	default:
		c.SendError("unexpected-frame", "frame not valid in this state")
	}
	return true
}

func (h *WSHandler) register(r *http.Request, c *Conn, reg *protocol.Register) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	kind := domain.DeviceKind(reg.DeviceKind)
	switch kind {
	case domain.DeviceSatellite, domain.DevicePanel, domain.DeviceMobile, domain.DeviceDesktop:
	default:
		c.Send(&protocol.RegisterAck{Type: protocol.TypeRegisterAck, Success: false,
			Error: "unknown device kind " + reg.DeviceKind})
		return false
	}

	deviceID := reg.DeviceID
	if deviceID == "" {
		deviceID = id.NewDevice()
	}
	addr := remoteHost(r)

	room := h.resolveRoom(ctx, reg, addr)

	dev := &domain.Device{
		ID:           deviceID,
		Kind:         kind,
		Capabilities: reg.Capabilities,
		NetworkAddr:  addr,
		Stationary:   reg.Stationary,
		LastSeenAt:   time.Now().UTC(),
	}
	if room != nil {
		dev.RoomID = room.ID
	}
	if err := h.devices.UpsertDevice(ctx, dev); err != nil {
		slog.Error("ws: device upsert failed", "device", deviceID, "error", err)
		c.Send(&protocol.RegisterAck{Type: protocol.TypeRegisterAck, Success: false,
			Error: "registration failed"})
		return false
	}

	var permit domain.PermissionFunc
	if h.permits != nil {
		permit = h.permits(dev)
	}
	c.setRegistered(dev, room, permit)
	h.hub.bindDevice(deviceID, c)

	if kind == domain.DeviceSatellite {
		c.setSessionID(domain.SatelliteSessionID(deviceID, time.Now()))
	}
	c.startHeartbeatWatch(h.cfg.Server.HeartbeatInterval, h.cfg.Server.HeartbeatGrace)

	ack := &protocol.RegisterAck{
		Type:         protocol.TypeRegisterAck,
		Success:      true,
		DeviceID:     deviceID,
		Capabilities: reg.Capabilities,
	}
	if room != nil {
		ack.RoomID = room.ID
	}
	c.Send(ack)
	slog.Info("ws: device registered", "device", deviceID, "kind", kind, "room", ack.RoomID)
	return true
}

// resolveRoom binds the connection to a room: by declared name, or for
// stationary devices without one, by the last device seen at the same
// network identity.
func (h *WSHandler) resolveRoom(ctx context.Context, reg *protocol.Register, addr string) *domain.Room {
	if reg.Room != "" {
		room, err := h.devices.GetRoomByName(ctx, reg.Room)
		if err != nil {
			slog.Warn("ws: declared room not found", "room", reg.Room, "error", err)
			return nil
		}
		return room
	}

	if reg.Stationary && addr != "" {
		prev, err := h.devices.GetDeviceByAddr(ctx, addr)
		if err != nil || prev.RoomID == "" {
			return nil
		}
		room, err := h.devices.GetRoom(ctx, prev.RoomID)
		if err != nil {
			return nil
		}
		return room
	}
	return nil
}

// finishUtterance transcribes the buffered audio and feeds the text into the
// normal pipeline.
func (h *WSHandler) finishUtterance(c *Conn, f *protocol.AudioEnd) {
	wav := c.takeAudio()
	if len(wav) == 0 {
		c.setState(StateIdle)
		return
	}
	if !h.stt.Enabled() {
		c.SendError("stt-unavailable", "no speech recognition configured")
		c.setState(StateIdle)
		return
	}

	sessionID := f.SessionID
	if sessionID == "" {
		sessionID = c.SessionID()
	}

	ctx := c.beginTurn(context.Background())
	go func() {
		defer c.endTurn()

		c.setState(StateProcessing)
		text, err := h.stt.Transcribe(ctx, wav, "")
		if err != nil {
			slog.Error("ws: transcription failed", "device", c.DeviceID(), "error", err)
			c.SendError("stt-failed", "could not transcribe audio")
			c.setState(StateIdle)
			return
		}
		if text == "" {
			c.setState(StateIdle)
			return
		}

		c.Send(&protocol.Transcription{
			Type: protocol.TypeTranscription, Text: text, SessionID: sessionID,
		})
		h.pipeline.RunText(ctx, c, sessionID, text, TurnOptions{})
	}()
}

// startSession rolls the connection onto a fresh session.
func (h *WSHandler) startSession(c *Conn) {
	if old := c.SessionID(); old != "" {
		c.Send(&protocol.SessionEnd{
			Type: protocol.TypeSessionEnd, SessionID: old, Reason: "superseded",
		})
	}

	var sessionID string
	if dev := c.Device(); dev != nil && dev.Kind == domain.DeviceSatellite {
		sessionID = domain.SatelliteSessionID(dev.ID, time.Now())
	} else {
		sessionID = id.NewSession()
	}
	c.setSessionID(sessionID)
	c.setKnowledgeBase("")
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
