package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/privchat/internal/config"
	"github.com/Tyrowin/privchat/internal/session"
)

var (
	// ErrAdmissionRejected is returned by Admit when the credentials do not
	// identify a user. The connection has been closed with 1008 by then.
	ErrAdmissionRejected = errors.New("admission rejected")
	// ErrHubClosed is returned by Admit after Shutdown.
	ErrHubClosed = errors.New("hub is shut down")
)

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithMetrics reports hub activity to m.
func WithMetrics(m *Metrics) HubOption {
	return func(h *Hub) {
		h.metrics = m
	}
}

// Hub is the registry of live connections. Membership changes take the write
// lock; broadcasts snapshot under the read lock and deliver outside it, one
// broadcast at a time.
type Hub struct {
	resolver Resolver
	cfg      config.ServerConfig
	logger   *slog.Logger
	metrics  *Metrics

	mutex   sync.RWMutex
	handles map[string]Handle
	closed  bool

	// broadcastMu keeps per-handle delivery order equal to issue order.
	broadcastMu sync.Mutex

	wg sync.WaitGroup
}

// NewHub creates a Hub that admits connections whose credentials resolver
// accepts.
func NewHub(resolver Resolver, cfg config.ServerConfig, logger *slog.Logger, opts ...HubOption) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		resolver: resolver,
		cfg:      cfg,
		logger:   logger.With("component", "hub"),
		handles:  make(map[string]Handle),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Admit authenticates conn and registers it. On failure the connection is
// closed with a policy violation and no entry is created.
func (h *Hub) Admit(ctx context.Context, conn *websocket.Conn, creds session.Credentials, addr string) (*Client, error) {
	user, err := h.resolver.Resolve(ctx, creds)
	if err != nil {
		h.reject(conn, addr, websocket.ClosePolicyViolation, "authentication failed", err)
		return nil, fmt.Errorf("%w: %w", ErrAdmissionRejected, err)
	}

	client := newClient(conn, h, user.Username, addr)

	h.mutex.Lock()
	if h.closed {
		h.mutex.Unlock()
		h.reject(conn, addr, websocket.CloseGoingAway, "server shutting down", ErrHubClosed)
		return nil, ErrHubClosed
	}
	h.handles[client.ID()] = client
	count := len(h.handles)
	h.wg.Add(2)
	h.mutex.Unlock()

	h.setActive(count)
	h.logger.Info("client admitted", "id", client.ID(), "username", user.Username, "addr", addr, "clients", count)

	go func() {
		defer h.wg.Done()
		client.writePump()
	}()
	go func() {
		defer h.wg.Done()
		client.readPump()
	}()

	return client, nil
}

func (h *Hub) reject(conn *websocket.Conn, addr string, code int, reason string, cause error) {
	if h.metrics != nil {
		h.metrics.rejections.Inc()
	}
	h.logger.Info("client rejected", "addr", addr, "code", code, "error", cause)

	if conn == nil {
		return
	}
	msg := websocket.FormatCloseMessage(code, reason)
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil && !isExpectedCloseError(err) {
		h.logger.Debug("writing close frame failed", "addr", addr, "error", err)
	}
	if err := conn.Close(); err != nil && !isExpectedCloseError(err) {
		h.logger.Debug("closing rejected connection failed", "addr", addr, "error", err)
	}
}

// Add registers an already established handle. It returns ErrHubClosed after
// Shutdown.
func (h *Hub) Add(handle Handle) error {
	h.mutex.Lock()
	if h.closed {
		h.mutex.Unlock()
		return ErrHubClosed
	}
	h.handles[handle.ID()] = handle
	count := len(h.handles)
	h.mutex.Unlock()

	h.setActive(count)
	return nil
}

// Remove unregisters handle and closes it. Removing an unknown handle does
// nothing.
func (h *Hub) Remove(handle Handle) {
	if handle == nil {
		return
	}

	h.mutex.Lock()
	current, ok := h.handles[handle.ID()]
	if ok && current == handle {
		delete(h.handles, handle.ID())
	}
	count := len(h.handles)
	h.mutex.Unlock()

	if !ok || current != handle {
		return
	}

	handle.Close()
	h.setActive(count)
	h.logger.Info("client removed", "id", handle.ID(), "username", handle.Username(), "clients", count)
}

// Broadcast delivers text to every registered handle, the sender included.
// Handles that fail to accept it are removed; the others still receive it.
func (h *Hub) Broadcast(text string) {
	h.broadcastMu.Lock()
	defer h.broadcastMu.Unlock()

	handles := h.snapshot()
	if len(handles) == 0 {
		return
	}
	if h.metrics != nil {
		h.metrics.broadcasts.Inc()
	}

	payload := []byte(text)
	var failed []Handle
	for _, handle := range handles {
		if err := handle.Deliver(payload); err != nil {
			h.logger.Warn("delivery failed, dropping client", "id", handle.ID(), "username", handle.Username(), "error", err)
			failed = append(failed, handle)
		}
	}

	for _, handle := range failed {
		if h.metrics != nil {
			h.metrics.deliveryFailures.Inc()
		}
		h.Remove(handle)
	}
}

// Count returns the number of registered handles.
func (h *Hub) Count() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.handles)
}

func (h *Hub) snapshot() []Handle {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	handles := make([]Handle, 0, len(h.handles))
	for _, handle := range h.handles {
		handles = append(handles, handle)
	}
	return handles
}

func (h *Hub) setActive(n int) {
	if h.metrics != nil {
		h.metrics.activeConnections.Set(float64(n))
	}
}

// Shutdown stops admitting connections, closes every registered handle and
// waits for the connection goroutines to finish or for timeout to pass.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.logger.Info("initiating hub shutdown")

	h.mutex.Lock()
	h.closed = true
	handles := make([]Handle, 0, len(h.handles))
	for id, handle := range h.handles {
		handles = append(handles, handle)
		delete(h.handles, id)
	}
	h.mutex.Unlock()

	for _, handle := range handles {
		handle.Close()
	}
	h.setActive(0)
	h.logger.Info("closed client connections", "count", len(handles))

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		h.logger.Warn("hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
