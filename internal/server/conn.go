package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hearthlabs/hearth/internal/domain"
	"github.com/hearthlabs/hearth/internal/protocol"
	"github.com/hearthlabs/hearth/internal/telemetry"
)

const (
	writeTimeout   = 10 * time.Second
	outboundBuffer = 64
	// ttsChunkBytes is the raw audio chunk size before base64; keeps single
	// frames well under typical proxy limits.
	ttsChunkBytes = 32 * 1024
)

// ConnState is the per-connection pipeline state.
type ConnState string

const (
	StateUnregistered   ConnState = "unregistered"
	StateIdle           ConnState = "idle"
	StateReceivingAudio ConnState = "receiving-audio"
	StateProcessing     ConnState = "processing"
	StateStreaming      ConnState = "streaming"
	StateClosing        ConnState = "closing"
)

// Conn is one live client connection. The reader goroutine owns inbound
// demultiplexing; a writer goroutine serializes every outbound frame so
// per-session ordering holds by construction.
type Conn struct {
	ws      *websocket.Conn
	codec   protocol.Codec
	hub     *Hub
	limiter *tokenBucket
	// isDevice marks the device endpoint: registration required, state
	// frames emitted, audio accepted.
	isDevice bool
	// monitor marks a read-only subscriber; its own frames are never teed
	// back to the hub.
	monitor bool

	send      chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu            sync.Mutex
	state         ConnState
	device        *domain.Device
	room          *domain.Room
	sessionID     string
	knowledgeBase string
	permit        domain.PermissionFunc
	lastHeartbeat time.Time
	hbWatch       bool
	playing       bool
	audioBuf      bytes.Buffer
	audioSession  string
	silence       *time.Timer
	turnCancel    context.CancelFunc
}

func newConn(ws *websocket.Conn, codec protocol.Codec, hub *Hub, limiter *tokenBucket, isDevice bool) *Conn {
	state := StateIdle
	if isDevice {
		state = StateUnregistered
	}
	return &Conn{
		ws:            ws,
		codec:         codec,
		hub:           hub,
		limiter:       limiter,
		isDevice:      isDevice,
		send:          make(chan []byte, outboundBuffer),
		closed:        make(chan struct{}),
		state:         state,
		lastHeartbeat: time.Now(),
	}
}

// writeLoop is the single writer for this connection.
func (c *Conn) writeLoop() {
	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return
			}
			msgType := websocket.TextMessage
			if c.codec.Binary() {
				msgType = websocket.BinaryMessage
			}
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(msgType, data); err != nil {
				slog.Debug("ws: write failed", "error", err)
				c.close()
				return
			}
		case <-c.closed:
			return
		}
	}
}

// Send encodes and enqueues one frame, blocking while the outbound buffer is
// full. A slow client backpressures the producing turn instead of losing
// frames; the write deadline closes a dead connection and releases the
// blocked sender.
func (c *Conn) Send(frame any) {
	data, err := c.codec.Marshal(frame)
	if err != nil {
		slog.Error("ws: marshal frame failed", "error", err)
		return
	}
	select {
	case c.send <- data:
	case <-c.closed:
		return
	}
	if c.hub != nil && !c.monitor {
		c.hub.tap(c.SessionID(), frame)
	}
}

// trySend enqueues without blocking. Monitor fan-out uses it so a stalled
// subscriber cannot stall the session it watches.
func (c *Conn) trySend(frame any) {
	data, err := c.codec.Marshal(frame)
	if err != nil {
		slog.Error("ws: marshal frame failed", "error", err)
		return
	}
	select {
	case c.send <- data:
	case <-c.closed:
	default:
		telemetry.FramesDropped.Inc()
	}
}

func (c *Conn) SendError(code, message string) {
	c.Send(&protocol.Error{Type: protocol.TypeError, Code: code, Message: message})
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		c.setState(StateClosing)
		close(c.closed)
		if c.ws != nil {
			c.ws.Close()
		}
		c.disarmSilence()
		c.cancelTurn()
	})
}

// setState advances the pipeline state and, on device connections, notifies
// the client.
func (c *Conn) setState(s ConnState) {
	c.mu.Lock()
	if c.state == s || c.state == StateClosing {
		c.mu.Unlock()
		return
	}
	c.state = s
	isDevice := c.isDevice
	c.mu.Unlock()

	if isDevice && s != StateClosing {
		c.Send(&protocol.State{Type: protocol.TypeState, State: string(s)})
	}
}

func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) registered() bool {
	return c.State() != StateUnregistered
}

// beginTurn installs the cancellation for one utterance, cancelling any
// still-running previous turn first.
func (c *Conn) beginTurn(parent context.Context) context.Context {
	c.cancelTurn()
	ctx, cancel := context.WithCancel(parent)
	c.mu.Lock()
	c.turnCancel = cancel
	c.mu.Unlock()
	return ctx
}

func (c *Conn) cancelTurn() {
	c.mu.Lock()
	cancel := c.turnCancel
	c.turnCancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *Conn) endTurn() {
	c.mu.Lock()
	c.turnCancel = nil
	c.mu.Unlock()
}

func (c *Conn) markHeartbeat() {
	c.mu.Lock()
	c.lastHeartbeat = time.Now()
	c.mu.Unlock()
}

// startHeartbeatWatch arms the liveness watchdog once per connection;
// re-registration must not stack watchers.
func (c *Conn) startHeartbeatWatch(interval, grace time.Duration) bool {
	c.mu.Lock()
	if c.hbWatch {
		c.mu.Unlock()
		return false
	}
	c.hbWatch = true
	c.mu.Unlock()
	go c.watchHeartbeats(interval, grace)
	return true
}

// watchHeartbeats closes the connection when the client misses its liveness
// window. Chat connections rely on websocket-level errors instead.
func (c *Conn) watchHeartbeats(interval, grace time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			c.mu.Lock()
			silent := time.Since(c.lastHeartbeat)
			c.mu.Unlock()
			if silent > grace {
				slog.Warn("ws: heartbeat missed, closing",
					"device", c.DeviceID(), "silent", silent.Round(time.Second))
				c.close()
				return
			}
		}
	}
}

// --- registration state

func (c *Conn) setRegistered(dev *domain.Device, room *domain.Room, permit domain.PermissionFunc) {
	c.mu.Lock()
	c.device = dev
	c.room = room
	c.permit = permit
	c.mu.Unlock()
	c.setState(StateIdle)
}

func (c *Conn) Device() *domain.Device {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.device
}

func (c *Conn) Room() *domain.Room {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

func (c *Conn) Permit() domain.PermissionFunc {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.permit
}

func (c *Conn) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Conn) setSessionID(id string) {
	c.mu.Lock()
	c.sessionID = id
	c.mu.Unlock()
}

// KnowledgeBase is the session's active retrieval scope, if any.
func (c *Conn) KnowledgeBase() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.knowledgeBase
}

func (c *Conn) setKnowledgeBase(id string) {
	c.mu.Lock()
	c.knowledgeBase = id
	c.mu.Unlock()
}

// --- audio buffering (device endpoint)

func (c *Conn) appendAudio(sessionID string, chunk []byte) {
	c.mu.Lock()
	if c.audioSession != sessionID {
		c.audioBuf.Reset()
		c.audioSession = sessionID
	}
	c.audioBuf.Write(chunk)
	c.mu.Unlock()
}

// armSilence finishes the utterance when no further audio arrives within the
// window. Each chunk re-arms the timer; audio_end disarms it.
func (c *Conn) armSilence(d time.Duration, fire func()) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	if c.silence != nil {
		c.silence.Stop()
	}
	c.silence = time.AfterFunc(d, fire)
	c.mu.Unlock()
}

func (c *Conn) disarmSilence() {
	c.mu.Lock()
	if c.silence != nil {
		c.silence.Stop()
		c.silence = nil
	}
	c.mu.Unlock()
}

// takeAudio returns and clears the buffered utterance.
func (c *Conn) takeAudio() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	data := make([]byte, c.audioBuf.Len())
	copy(data, c.audioBuf.Bytes())
	c.audioBuf.Reset()
	c.audioSession = ""
	return data
}

// --- outputs.AudioSink

func (c *Conn) DeviceID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.device == nil {
		return ""
	}
	return c.device.ID
}

func (c *Conn) HasSpeaker() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.device != nil && c.device.Capabilities.Speaker
}

func (c *Conn) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playing
}

// PlayAudio pushes a WAV clip as chunked base64 tts_audio frames.
func (c *Conn) PlayAudio(ctx context.Context, wav []byte) error {
	c.mu.Lock()
	c.playing = true
	sessionID := c.sessionID
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.playing = false
		c.mu.Unlock()
	}()

	for off := 0; off < len(wav); off += ttsChunkBytes {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := off + ttsChunkBytes
		if end > len(wav) {
			end = len(wav)
		}
		c.Send(&protocol.TTSAudio{
			Type:      protocol.TypeTTSAudio,
			Audio:     base64.StdEncoding.EncodeToString(wav[off:end]),
			IsFinal:   end == len(wav),
			SessionID: sessionID,
		})
	}
	return nil
}
