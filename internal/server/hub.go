// Package server is the session router: client transports, the per-connection
// pipeline state machine, and the REST surface.
package server

import (
	"sync"

	"github.com/hearthlabs/hearth/internal/outputs"
	"github.com/hearthlabs/hearth/internal/telemetry"
)

// Hub tracks live connections and the device index over them. It is the
// outputs.ConnIndex the output router resolves sinks through.
type Hub struct {
	mu      sync.RWMutex
	conns   map[*Conn]struct{}
	devices map[string]*Conn
	// monitors maps a read-only subscriber to its session filter; "" watches
	// every session.
	monitors map[*Conn]string
}

func NewHub() *Hub {
	return &Hub{
		conns:    make(map[*Conn]struct{}),
		devices:  make(map[string]*Conn),
		monitors: make(map[*Conn]string),
	}
}

func (h *Hub) add(c *Conn) {
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
	telemetry.ActiveConnections.Inc()
}

func (h *Hub) remove(c *Conn) {
	h.mu.Lock()
	delete(h.conns, c)
	delete(h.monitors, c)
	if id := c.DeviceID(); id != "" && h.devices[id] == c {
		delete(h.devices, id)
	}
	h.mu.Unlock()
	telemetry.ActiveConnections.Dec()
}

func (h *Hub) addMonitor(c *Conn, sessionFilter string) {
	h.mu.Lock()
	h.monitors[c] = sessionFilter
	h.mu.Unlock()
}

// tap forwards an outbound frame to the monitors watching its session.
func (h *Hub) tap(sessionID string, frame any) {
	h.mu.RLock()
	if len(h.monitors) == 0 {
		h.mu.RUnlock()
		return
	}
	var targets []*Conn
	for m, filter := range h.monitors {
		if filter == "" || filter == sessionID {
			targets = append(targets, m)
		}
	}
	h.mu.RUnlock()
	for _, m := range targets {
		m.trySend(frame)
	}
}

// bindDevice indexes a registered connection by device ID. A reconnect
// displaces the previous connection for the same device.
func (h *Hub) bindDevice(deviceID string, c *Conn) {
	h.mu.Lock()
	h.devices[deviceID] = c
	h.mu.Unlock()
}

// Live resolves a device ID to its current connection.
func (h *Hub) Live(deviceID string) (outputs.AudioSink, bool) {
	h.mu.RLock()
	c, ok := h.devices[deviceID]
	h.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return c, true
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}
