// Package statusweb serves the engine's runtime statistics: a JSON
// snapshot endpoint, a Prometheus scrape endpoint, a WebSocket push
// feed, and a health check, with an HTTP server lifecycle and logging
// middleware, and a per-client send-channel pump for the WebSocket feed.
package statusweb

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// StatsProvider is anything that can produce a JSON-serializable stats
// snapshot.
type StatsProvider interface {
	Stats() interface{}
}

// StatsProviderFunc adapts a plain func to StatsProvider — engine.Engine
// exposes a concrete Stats() Stats method rather than Stats() interface{},
// so callers wrap it: statusweb.StatsProviderFunc(func() interface{} {
// return eng.Stats() }).
type StatsProviderFunc func() interface{}

func (f StatsProviderFunc) Stats() interface{} { return f() }

// Config holds the status server's bind address and push interval.
type Config struct {
	BindAddr     string // default ":8090"
	PushInterval time.Duration // default 1s, websocket push cadence
}

// DefaultConfig returns the server's ambient defaults.
func DefaultConfig() Config {
	return Config{BindAddr: ":8090", PushInterval: time.Second}
}

// Server exposes an engine's statistics over HTTP and WebSocket.
type Server struct {
	cfg      Config
	logger   *zap.Logger
	provider StatsProvider

	httpServer *http.Server
	upgrader   websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*wsClient

	metrics *prometheusMetrics
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// New constructs a status server around provider, registering its own
// Prometheus collector set.
func New(cfg Config, provider StatsProvider, logger *zap.Logger) *Server {
	if cfg.BindAddr == "" {
		cfg.BindAddr = ":8090"
	}
	if cfg.PushInterval <= 0 {
		cfg.PushInterval = time.Second
	}
	return &Server{
		cfg:      cfg,
		logger:   logger,
		provider: provider,
		clients:  make(map[string]*wsClient),
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		metrics: newPrometheusMetrics(),
	}
}

// Start begins serving HTTP and launches the WebSocket push loop.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ws/stats", s.handleWS)
	mux.Handle("/metrics", promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{}))

	s.httpServer = &http.Server{
		Addr:         s.cfg.BindAddr,
		Handler:      s.logMiddleware(mux),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("status server error", zap.Error(err))
		}
	}()

	go s.pushLoop(ctx)

	s.logger.Info("status server started", zap.String("addr", s.cfg.BindAddr))
	return nil
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("duration", time.Since(start)))
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.provider.Stats()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "ok")
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &wsClient{conn: conn, send: make(chan []byte, 16)}
	id := r.RemoteAddr

	s.mu.Lock()
	s.clients[id] = client
	s.mu.Unlock()

	go s.writeLoop(id, client)
}

func (s *Server) writeLoop(id string, client *wsClient) {
	defer func() {
		s.mu.Lock()
		delete(s.clients, id)
		s.mu.Unlock()
		client.conn.Close()
	}()

	for b := range client.send {
		if err := client.conn.WriteMessage(websocket.TextMessage, b); err != nil {
			return
		}
	}
}

// pushLoop periodically marshals the provider's stats and fans them out
// to every connected WebSocket client, dropping slow clients' updates
// rather than blocking the loop.
func (s *Server) pushLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b, err := json.Marshal(s.provider.Stats())
			if err != nil {
				continue
			}
			s.broadcast(b)
			s.metrics.update(s.provider.Stats())
		}
	}
}

func (s *Server) broadcast(b []byte) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id, c := range s.clients {
		select {
		case c.send <- b:
		default:
			s.logger.Debug("dropping stats push to slow client", zap.String("client", id))
		}
	}
}

// Stop gracefully shuts down the HTTP server and closes all WebSocket
// clients.
func (s *Server) Stop() error {
	s.mu.Lock()
	for id, c := range s.clients {
		close(c.send)
		delete(s.clients, id)
	}
	s.mu.Unlock()

	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// prometheusMetrics holds the gauges the status server exports,
// grounded on the Prometheus usage pattern in the retrieved corpus
// (whoyao-livekit, snapetech-plexTuner).
type prometheusMetrics struct {
	registry        *prometheus.Registry
	packetsSent     prometheus.Gauge
	packetsLost     prometheus.Gauge
	packetsRecovered prometheus.Gauge
	bufferDepthMS   prometheus.Gauge
	currentBitrate  prometheus.Gauge
}

func newPrometheusMetrics() *prometheusMetrics {
	m := &prometheusMetrics{
		registry: prometheus.NewRegistry(),
		packetsSent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "resilient_rtp", Name: "packets_sent_total", Help: "Total packets sent.",
		}),
		packetsLost: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "resilient_rtp", Name: "packets_lost", Help: "Packets currently counted as lost.",
		}),
		packetsRecovered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "resilient_rtp", Name: "packets_recovered_total", Help: "Packets recovered via FEC/RED.",
		}),
		bufferDepthMS: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "resilient_rtp", Name: "jitter_buffer_depth_ms", Help: "Current jitter buffer depth in milliseconds.",
		}),
		currentBitrate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "resilient_rtp", Name: "target_bitrate_bps", Help: "Controller's current target bitrate.",
		}),
	}
	m.registry.MustRegister(m.packetsSent, m.packetsLost, m.packetsRecovered, m.bufferDepthMS, m.currentBitrate)
	return m
}

// statsView is the subset of engine.Stats the metrics exporter reads;
// expressed as an interface assertion so this package doesn't import
// engine (which would create a cycle, since engine would otherwise need
// to import statusweb to drive it).
type statsView interface {
	StatusWebView() (packetsSent, packetsLost, packetsRecovered uint64, bufferDepthMS float64, bitrate int64)
}

func (m *prometheusMetrics) update(stats interface{}) {
	view, ok := stats.(statsView)
	if !ok {
		return
	}
	sent, lost, recovered, depth, bitrate := view.StatusWebView()
	m.packetsSent.Set(float64(sent))
	m.packetsLost.Set(float64(lost))
	m.packetsRecovered.Set(float64(recovered))
	m.bufferDepthMS.Set(depth)
	m.currentBitrate.Set(float64(bitrate))
}
