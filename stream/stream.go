// Package stream fans job updates out to Server-Sent Events clients.
package stream

import (
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// Maximum number of concurrent SSE connections allowed
	MaxConcurrentConnections = 1000
	// Buffer size for each client's message channel
	ClientChannelBuffer = 64
	// How often to send keep-alive messages
	KeepAliveInterval = 30 * time.Second
	// Buffer size for hub broadcast queue
	HubBroadcastBuffer = 512
)

type Message struct {
	Type string `json:"type"`
	Msg  string `json:"msg"`
}

type clientChan chan Message

// Hub owns the connected clients. The zero value is not usable; call NewHub.
type Hub struct {
	clients           sync.Map // map[clientChan]string (remote address)
	activeCount       int64
	totalMessages     int64
	droppedBroadcasts int64
	droppedClientMsgs int64
	rejectedConns     int64
	broadcast         chan Message
	shutdown          chan struct{}
	shutdownOnce      sync.Once
	done              chan struct{}
}

// NewHub starts the fan-out loop. Call Shutdown to stop it.
func NewHub() *Hub {
	h := &Hub{
		broadcast: make(chan Message, HubBroadcastBuffer),
		shutdown:  make(chan struct{}),
		done:      make(chan struct{}),
	}
	go h.run()
	return h
}

// Stats returns current connection statistics
func (h *Hub) Stats() map[string]int64 {
	return map[string]int64{
		"active_connections":   atomic.LoadInt64(&h.activeCount),
		"total_messages":       atomic.LoadInt64(&h.totalMessages),
		"dropped_broadcasts":   atomic.LoadInt64(&h.droppedBroadcasts),
		"dropped_client_msgs":  atomic.LoadInt64(&h.droppedClientMsgs),
		"rejected_connections": atomic.LoadInt64(&h.rejectedConns),
	}
}

func (h *Hub) addClient(c clientChan, remoteAddr string) bool {
	if atomic.LoadInt64(&h.activeCount) >= MaxConcurrentConnections {
		atomic.AddInt64(&h.rejectedConns, 1)
		logrus.WithField("remote", remoteAddr).Warn("Event stream connection limit reached")
		return false
	}
	h.clients.Store(c, remoteAddr)
	atomic.AddInt64(&h.activeCount, 1)
	logrus.WithFields(logrus.Fields{
		"remote": remoteAddr,
		"total":  atomic.LoadInt64(&h.activeCount),
	}).Debug("Event stream client connected")
	return true
}

func (h *Hub) removeClient(c clientChan) {
	if remote, ok := h.clients.LoadAndDelete(c); ok {
		atomic.AddInt64(&h.activeCount, -1)
		logrus.WithFields(logrus.Fields{
			"remote": remote,
			"total":  atomic.LoadInt64(&h.activeCount),
		}).Debug("Event stream client disconnected")
	}
}

// Broadcast enqueues a message for fan-out without blocking callers. A nil
// hub drops everything.
func (h *Hub) Broadcast(msg Message) {
	if h == nil {
		return
	}
	select {
	case h.broadcast <- msg:
	default:
		// hub busy; drop to protect producers
		atomic.AddInt64(&h.droppedBroadcasts, 1)
	}
}

func (h *Hub) run() {
	defer close(h.done)
	for {
		select {
		case msg := <-h.broadcast:
			h.clients.Range(func(key, _ any) bool {
				select {
				case key.(clientChan) <- msg:
					atomic.AddInt64(&h.totalMessages, 1)
				default:
					// client queue full; drop this message for this client
					atomic.AddInt64(&h.droppedClientMsgs, 1)
				}
				return true
			})
		case <-h.shutdown:
			return
		}
	}
}

// Shutdown stops the fan-out loop and disconnects every client. It is safe
// to call more than once.
func (h *Hub) Shutdown() {
	h.shutdownOnce.Do(func() {
		close(h.shutdown)
		<-h.done
		logrus.Debug("Event stream hub stopped")
	})
}

// ServeHTTP streams messages to a single client until it disconnects or the
// hub shuts down.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	messageChan := make(clientChan, ClientChannelBuffer)
	if !h.addClient(messageChan, r.RemoteAddr) {
		http.Error(w, "Server at capacity", http.StatusServiceUnavailable)
		return
	}
	defer h.removeClient(messageChan)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Del("Content-Encoding")

	if _, err := io.WriteString(w, "event: connected\ndata: {}\n\n"); err != nil {
		return
	}
	flusher.Flush()

	keepAliveTicker := time.NewTicker(KeepAliveInterval)
	defer keepAliveTicker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.shutdown:
			return
		case msg := <-messageChan:
			if _, err := io.WriteString(w, formatSSEResponse(msg)); err != nil {
				return
			}
			flusher.Flush()
		case <-keepAliveTicker.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func formatSSEResponse(msg Message) string {
	return fmt.Sprintf("event: %s\ndata: %s\n\n", msg.Type, msg.Msg)
}
