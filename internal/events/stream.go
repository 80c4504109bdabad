package events

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"cart_sentinel/internal/alert"
	"cart_sentinel/internal/core"
)

var (
	streamActiveConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cart_sentinel_stream_active_connections",
		Help: "Current number of active event-stream subscribers",
	})

	streamRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cart_sentinel_stream_rejected_total",
		Help: "Total number of rejected event-stream connections",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(streamActiveConnections)
	prometheus.MustRegister(streamRejectedTotal)
}

// Stream upgrades control-API requests to WebSocket subscriptions on the
// hub. Connections are limited per IP and globally so a subscriber storm
// cannot starve the engine.
type Stream struct {
	hub      *Hub
	logger   core.ILogger
	upgrader websocket.Upgrader

	allowedOrigins []string
	connSemaphore  chan struct{}

	ipLimiters sync.Map // map[string]*rate.Limiter
	rateLimit  rate.Limit
	rateBurst  int
}

// NewStream creates a stream endpoint bound to the hub.
func NewStream(hub *Hub, allowedOrigins []string, logger core.ILogger) *Stream {
	s := &Stream{
		hub:            hub,
		logger:         logger.WithField("component", "event_stream"),
		allowedOrigins: allowedOrigins,
		connSemaphore:  make(chan struct{}, 64),
		rateLimit:      rate.Limit(5.0),
		rateBurst:      10,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Stream) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// Non-browser clients send no Origin header.
		return true
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		streamRejectedTotal.WithLabelValues("invalid_origin").Inc()
		return false
	}
	originStr := parsed.Scheme + "://" + parsed.Host

	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || originStr == allowed {
			return true
		}
	}

	s.logger.Warn("Rejected stream connection from unauthorized origin",
		"origin", origin, "remote_addr", r.RemoteAddr)
	streamRejectedTotal.WithLabelValues("invalid_origin").Inc()
	return false
}

// ServeHTTP handles the WebSocket upgrade and runs the connection pumps.
func (s *Stream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip := remoteIP(r)
	if !s.ipLimiter(ip).Allow() {
		s.logger.Warn("Stream connection rate limit exceeded", "ip", ip)
		streamRejectedTotal.WithLabelValues("rate_limit").Inc()
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
		return
	}

	select {
	case s.connSemaphore <- struct{}{}:
		streamActiveConnections.Inc()
		defer func() {
			<-s.connSemaphore
			streamActiveConnections.Dec()
		}()
	default:
		streamRejectedTotal.WithLabelValues("connection_limit").Inc()
		http.Error(w, "Server busy", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	client := NewClient(uuid.New().String())
	s.hub.Register(client)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.writePump(conn, client)
	}()
	go func() {
		defer wg.Done()
		s.readPump(conn, client)
	}()
	wg.Wait()

	s.hub.Unregister(client)
	conn.Close()
}

func (s *Stream) writePump(conn *websocket.Conn, client *Client) {
	ticker := time.NewTicker(54 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-client.SendChan():
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				s.logger.Warn("Stream write error", "client_id", client.id, "error", err)
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Stream) readPump(conn *websocket.Conn, client *Client) {
	defer s.hub.Unregister(client)

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	// Subscribers are read-only; the loop just services pongs.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Warn("Stream read error", "client_id", client.id, "error", err)
			}
			return
		}
	}
}

func (s *Stream) ipLimiter(ip string) *rate.Limiter {
	if val, ok := s.ipLimiters.Load(ip); ok {
		return val.(*rate.Limiter)
	}
	actual, _ := s.ipLimiters.LoadOrStore(ip, rate.NewLimiter(s.rateLimit, s.rateBurst))
	return actual.(*rate.Limiter)
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// HubChannel adapts the hub into an alert delivery channel so every engine
// event also reaches the live subscribers.
type HubChannel struct {
	hub *Hub
}

// NewHubChannel wraps a hub as an alert channel.
func NewHubChannel(hub *Hub) *HubChannel {
	return &HubChannel{hub: hub}
}

// Send broadcasts the event to all subscribers.
func (c *HubChannel) Send(ctx context.Context, ev alert.Event) error {
	c.hub.Broadcast(Message{Type: string(ev.Kind), Data: ev})
	return nil
}

// Name identifies the channel in logs.
func (c *HubChannel) Name() string {
	return "event-stream"
}
