package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rook2pawn/audio-chunk/internal/audio"
	"github.com/rook2pawn/audio-chunk/internal/config"
	"github.com/rook2pawn/audio-chunk/internal/metrics"
	"github.com/rook2pawn/audio-chunk/internal/protocol"
	"github.com/rook2pawn/audio-chunk/internal/stream"
	"github.com/rook2pawn/audio-chunk/internal/transport"
	"github.com/rook2pawn/audio-chunk/internal/vad"
)

const (
	transportHTTP = "http"

	maxBodySize    = 16 << 20
	defaultLimit   = 1000
	ingestQueueCap = 64
)

// Replayer reads archived chunks back as a stream
type Replayer interface {
	Replay(ctx context.Context, streamID string, since time.Time) (stream.Stream, error)
}

// StatsFunc reports the statistics of an auxiliary component
type StatsFunc func() any

// HTTPServer provides the HTTP API: chunk ingestion, stream inspection,
// live subscriptions over websockets and monitoring endpoints.
type HTTPServer struct {
	server    *http.Server
	handler   http.Handler
	logger    *slog.Logger
	config    *config.Config
	manager   *stream.Manager
	udpServer *UDPServer
	metrics   *metrics.Metrics
	gatherer  prometheus.Gatherer
	archive   Replayer
	upgrader  websocket.Upgrader

	extraStats map[string]StatsFunc

	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time
	mu        sync.RWMutex
}

// HTTPOption configures optional HTTP server collaborators
type HTTPOption func(*HTTPServer)

// WithGatherer serves /metrics from g instead of the default registry
func WithGatherer(g prometheus.Gatherer) HTTPOption {
	return func(h *HTTPServer) { h.gatherer = g }
}

// WithArchive enables GET /streams/{id}/archive
func WithArchive(r Replayer) HTTPOption {
	return func(h *HTTPServer) { h.archive = r }
}

// WithStats adds a named section to /stats
func WithStats(name string, fn StatsFunc) HTTPOption {
	return func(h *HTTPServer) { h.extraStats[name] = fn }
}

// NewHTTPServer creates a new HTTP API server. udpServer may be nil.
func NewHTTPServer(cfg config.HTTPConfig, logger *slog.Logger,
	appConfig *config.Config, manager *stream.Manager, udpServer *UDPServer, m *metrics.Metrics, opts ...HTTPOption) *HTTPServer {

	ctx, cancel := context.WithCancel(context.Background())
	h := &HTTPServer{
		logger:     logger,
		config:     appConfig,
		manager:    manager,
		udpServer:  udpServer,
		metrics:    m,
		gatherer:   prometheus.DefaultGatherer,
		extraStats: make(map[string]StatsFunc),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		ctx:       ctx,
		cancel:    cancel,
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(h)
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)
	h.handler = mux

	h.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", h.withMetrics("/", h.handleRoot))
	mux.HandleFunc("GET /health", h.withMetrics("/health", h.handleHealth))
	mux.HandleFunc("GET /stats", h.withMetrics("/stats", h.handleStats))
	mux.HandleFunc("GET /config", h.withMetrics("/config", h.handleConfig))
	mux.Handle("GET /metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("GET /streams", h.withMetrics("/streams", h.handleStreams))
	mux.HandleFunc("GET /streams/{id}", h.withMetrics("/streams/{id}", h.handleStreamDetail))
	mux.HandleFunc("GET /streams/{id}/recent", h.withMetrics("/streams/{id}/recent", h.handleRecent))
	mux.HandleFunc("GET /streams/{id}/recent.wav", h.withMetrics("/streams/{id}/recent.wav", h.handleRecentWAV))
	mux.HandleFunc("GET /streams/{id}/archive", h.withMetrics("/streams/{id}/archive", h.handleArchive))
	mux.HandleFunc("GET /streams/{id}/voice", h.withMetrics("/streams/{id}/voice", h.handleVoice))

	mux.HandleFunc("POST /chunks", h.withMetrics("/chunks", h.handleIngest(protocol.Binary)))
	mux.HandleFunc("POST /chunks.json", h.withMetrics("/chunks.json", h.handleIngest(protocol.Text)))
	mux.HandleFunc("POST /streams/{id}/pcm", h.withMetrics("/streams/{id}/pcm", h.handlePCM))

	mux.HandleFunc("GET /streams/{id}/ws", h.withMetrics("/streams/{id}/ws", h.handleSubscribe(protocol.Binary)))
	mux.HandleFunc("GET /streams/{id}/ws.json", h.withMetrics("/streams/{id}/ws.json", h.handleSubscribe(protocol.Text)))
	mux.HandleFunc("GET /ingest/ws", h.withMetrics("/ingest/ws", h.handleIngestWS(protocol.Binary)))
	mux.HandleFunc("GET /ingest/ws.json", h.withMetrics("/ingest/ws.json", h.handleIngestWS(protocol.Text)))
}

// Handler returns the routed handler, for embedding or tests
func (h *HTTPServer) Handler() http.Handler {
	return h.handler
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		statusCode := strconv.Itoa(ww.statusCode)

		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades pass through the metrics wrapper
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijacking not supported")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	h.logger.Info("Starting HTTP API server",
		slog.String("address", h.server.Addr),
	)

	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop ends open websocket sessions and gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	h.cancel()
	return h.server.Shutdown(ctx)
}

func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	apiDoc := map[string]interface{}{
		"service": "Audio Chunk Service",
		"version": "1.0.0",
		"endpoints": map[string]interface{}{
			"GET /":                        "API documentation",
			"GET /health":                  "Service health check",
			"GET /stats":                   "Service statistics",
			"GET /config":                  "Service configuration",
			"GET /metrics":                 "Prometheus metrics",
			"GET /streams":                 "List active streams",
			"GET /streams/{id}":            "Stream details",
			"GET /streams/{id}/recent":     "Buffered chunks, ?window=5s",
			"GET /streams/{id}/recent.wav": "Buffered pcm16 audio as WAV, ?window=5s",
			"GET /streams/{id}/archive":    "Archived chunks, ?since=<unix ms>&limit=",
			"GET /streams/{id}/voice":      "Voice segments in the buffer, ?window=5s",
			"POST /chunks":                 "Ingest one binary (CBOR) chunk",
			"POST /chunks.json":            "Ingest one text (JSON) chunk",
			"POST /streams/{id}/pcm":       "Ingest raw PCM16, ?sample_rate=&frame_ms=",
			"GET /streams/{id}/ws":         "Live subscription, binary frames, ?replay=10s&vad=1",
			"GET /streams/{id}/ws.json":    "Live subscription, text frames, ?replay=10s&vad=1",
			"GET /ingest/ws":               "Ingest binary chunks over a websocket",
			"GET /ingest/ws.json":          "Ingest text chunks over a websocket",
		},
		"timestamp": time.Now().UTC(),
	}

	writeJSON(w, http.StatusOK, apiDoc)
}

func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	components := map[string]interface{}{
		"stream_manager": map[string]interface{}{
			"status":         "running",
			"active_streams": h.manager.GetActiveSessionCount(),
		},
	}
	if h.udpServer != nil {
		udpStats := h.udpServer.GetStatistics()
		components["udp_server"] = map[string]interface{}{
			"status":            "running",
			"packets_received":  udpStats.PacketsReceived,
			"packets_processed": udpStats.PacketsProcessed,
			"parse_errors":      udpStats.ParseErrors,
			"queue_size":        udpStats.QueueSize,
		}
	}

	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]interface{}{
			"name":    "audio-chunk",
			"version": "1.0.0",
		},
		"components": components,
	}

	writeJSON(w, http.StatusOK, health)
}

func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
		"streams": map[string]interface{}{
			"active_count": h.manager.GetActiveSessionCount(),
		},
	}
	if h.udpServer != nil {
		stats["udp"] = h.udpServer.GetStatistics()
	}

	h.mu.RLock()
	for name, fn := range h.extraStats {
		stats[name] = fn()
	}
	h.mu.RUnlock()

	writeJSON(w, http.StatusOK, stats)
}

// handleConfig returns the configuration without credentials
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	c := h.config
	sanitizedConfig := map[string]interface{}{
		"server": map[string]interface{}{
			"udp_port":               c.Server.UDPPort,
			"bind_address":           c.Server.BindAddress,
			"buffer_size":            c.Server.BufferSize,
			"max_concurrent_streams": c.Server.MaxConcurrentStreams,
			"workers":                c.Server.Workers,
			"queue_size":             c.Server.QueueSize,
		},
		"buffer": map[string]interface{}{
			"max_age_ms":       c.Buffer.MaxAgeMs,
			"stream_timeout":   c.Buffer.StreamTimeout,
			"cleanup_interval": c.Buffer.CleanupInterval,
		},
		"subscriber": map[string]interface{}{
			"queue_capacity": c.Subscriber.QueueCapacity,
			"overflow":       c.Subscriber.Overflow,
		},
		"forward": map[string]interface{}{
			"enabled":        c.Forward.Enabled,
			"endpoint":       c.Forward.Endpoint,
			"protocol":       c.Forward.Protocol,
			"timeout":        c.Forward.Timeout,
			"max_retries":    c.Forward.MaxRetries,
			"max_concurrent": c.Forward.MaxConcurrent,
		},
		"relay": map[string]interface{}{
			"enabled":  c.Relay.Enabled,
			"mode":     c.Relay.Mode,
			"addr":     c.Relay.Addr,
			"channel":  c.Relay.Channel,
			"protocol": c.Relay.Protocol,
		},
		"archive": map[string]interface{}{
			"enabled": c.Archive.Enabled,
			"table":   c.Archive.Table,
		},
		"logging": map[string]interface{}{
			"level":  c.Logging.Level,
			"format": c.Logging.Format,
			"output": c.Logging.Output,
		},
	}

	writeJSON(w, http.StatusOK, sanitizedConfig)
}

func (h *HTTPServer) handleStreams(w http.ResponseWriter, r *http.Request) {
	sessionInfos := h.manager.GetAllSessions()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total_streams": len(sessionInfos),
		"timestamp":     time.Now().UTC(),
		"streams":       sessionInfos,
	})
}

func (h *HTTPServer) handleStreamDetail(w http.ResponseWriter, r *http.Request) {
	session, exists := h.manager.GetSession(r.PathValue("id"))
	if !exists {
		http.Error(w, "Stream not found", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, session.GetSessionInfo())
}

func (h *HTTPServer) handleRecent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	chunks, ok := h.recent(w, r, id)
	if !ok {
		return
	}

	out := make([]audio.Interchange, len(chunks))
	for i, c := range chunks {
		out[i] = audio.ToInterchange(c)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"stream_id": id,
		"count":     len(out),
		"chunks":    out,
	})
}

func (h *HTTPServer) handleRecentWAV(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	chunks, ok := h.recent(w, r, id)
	if !ok {
		return
	}

	wav, _, err := audio.ChunksToWAV(chunks)
	if errors.Is(err, audio.ErrNoPCM) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", id+".wav"))
	w.WriteHeader(http.StatusOK)
	w.Write(wav)
}

// handleVoice groups the buffered chunks of a stream into voice segments
func (h *HTTPServer) handleVoice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	chunks, ok := h.recent(w, r, id)
	if !ok {
		return
	}

	detector, err := h.newDetector()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	segments := detector.Segments(chunks)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"stream_id": id,
		"count":     len(segments),
		"segments":  segments,
		"stats":     detector.GetStats(),
	})
}

func (h *HTTPServer) newDetector() (*vad.Detector, error) {
	cfg := config.Default().VAD
	if h.config != nil {
		cfg = h.config.VAD
	}
	return vad.NewDetector(vad.Config{Threshold: cfg.Threshold, Smoothing: cfg.Smoothing})
}

// recent resolves ?window= against the stream buffer and writes the error
// response itself when it fails
func (h *HTTPServer) recent(w http.ResponseWriter, r *http.Request, id string) ([]*audio.Chunk, bool) {
	window, err := parseDuration(r.URL.Query().Get("window"), stream.Forever)
	if err != nil {
		http.Error(w, "Invalid window: "+err.Error(), http.StatusBadRequest)
		return nil, false
	}

	chunks, err := h.manager.Recent(id, window)
	if errors.Is(err, stream.ErrSessionNotFound) {
		http.Error(w, "Stream not found", http.StatusNotFound)
		return nil, false
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return nil, false
	}
	return chunks, true
}

func (h *HTTPServer) handleArchive(w http.ResponseWriter, r *http.Request) {
	if h.archive == nil {
		http.Error(w, "Archive disabled", http.StatusNotFound)
		return
	}

	query := r.URL.Query()
	since := time.Time{}
	if v := query.Get("since"); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			http.Error(w, "Invalid since", http.StatusBadRequest)
			return
		}
		since = time.UnixMilli(ms)
	}
	limit := defaultLimit
	if v := query.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	id := r.PathValue("id")
	s, err := h.archive.Replay(r.Context(), id, since)
	if err != nil {
		h.logger.Error("Archive replay failed", slog.String("stream_id", id), slog.String("error", err.Error()))
		http.Error(w, "Archive unavailable", http.StatusBadGateway)
		return
	}
	defer s.Close()

	out := make([]audio.Interchange, 0)
	for len(out) < limit {
		c, err := s.Next(r.Context())
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			h.logger.Error("Archive read failed", slog.String("stream_id", id), slog.String("error", err.Error()))
			http.Error(w, "Archive unavailable", http.StatusBadGateway)
			return
		}
		out = append(out, audio.ToInterchange(c))
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"stream_id": id,
		"count":     len(out),
		"chunks":    out,
	})
}

// handleIngest accepts one encoded chunk per request. The binary endpoint
// insists on its content type; the text endpoint also accepts none.
func (h *HTTPServer) handleIngest(codec protocol.Codec) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "" || codec.Binary() {
			got, err := protocol.ForContentType(ct)
			if err != nil || got.Name() != codec.Name() {
				http.Error(w, "Content-Type must be "+codec.ContentType(), http.StatusUnsupportedMediaType)
				return
			}
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				http.Error(w, "Request body too large", http.StatusRequestEntityTooLarge)
				return
			}
			http.Error(w, "Failed to read body", http.StatusBadRequest)
			return
		}

		chunk, err := codec.Decode(body)
		if err != nil {
			h.metrics.RecordDecodeError(transportHTTP, codec.Name())
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.metrics.RecordChunkReceived(transportHTTP, codec.Name(), chunk.Len())

		if !h.publish(w, r.Context(), chunk) {
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"stream_id": stream.StreamKey(chunk),
			"timestamp": chunk.Timestamp.UnixMilli(),
			"length":    chunk.Len(),
		})
	}
}

// handlePCM frames a raw little-endian PCM16 body into pcm16 chunks
func (h *HTTPServer) handlePCM(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	sampleRate := audio.DefaultSampleRate
	if v := query.Get("sample_rate"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "Invalid sample_rate", http.StatusBadRequest)
			return
		}
		sampleRate = n
	}
	frame := 20 * time.Millisecond
	if v := query.Get("frame_ms"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "Invalid frame_ms", http.StatusBadRequest)
			return
		}
		frame = time.Duration(n) * time.Millisecond
	}

	framer := audio.NewFramer(audio.FramerConfig{
		StreamID:      r.PathValue("id"),
		SampleRate:    sampleRate,
		FrameDuration: frame,
	})

	body := http.MaxBytesReader(w, r.Body, maxBodySize)
	buf := make([]byte, 32*1024)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			chunks, err := framer.Write(buf[:n])
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			for _, c := range chunks {
				h.metrics.RecordChunkReceived(transportHTTP, "pcm16", c.Len())
				if !h.publish(w, r.Context(), c) {
					return
				}
			}
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			http.Error(w, "Failed to read body: "+readErr.Error(), http.StatusBadRequest)
			return
		}
	}

	last, err := framer.Flush()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if last != nil {
		h.metrics.RecordChunkReceived(transportHTTP, "pcm16", last.Len())
		if !h.publish(w, r.Context(), last) {
			return
		}
	}

	writeJSON(w, http.StatusAccepted, framer.GetStats())
}

func (h *HTTPServer) publish(w http.ResponseWriter, ctx context.Context, c *audio.Chunk) bool {
	err := h.manager.Publish(ctx, c)
	switch {
	case err == nil:
		return true
	case errors.Is(err, stream.ErrTooManySessions):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		http.Error(w, "Request cancelled", http.StatusRequestTimeout)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
	return false
}

// handleSubscribe streams a live subscription to a websocket client,
// optionally preceded by ?replay= worth of buffered chunks
func (h *HTTPServer) handleSubscribe(codec protocol.Codec) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		replay, err := parseDuration(r.URL.Query().Get("replay"), 0)
		if err != nil {
			http.Error(w, "Invalid replay: "+err.Error(), http.StatusBadRequest)
			return
		}

		var detector *vad.Detector
		if annotate, _ := strconv.ParseBool(r.URL.Query().Get("vad")); annotate {
			if detector, err = h.newDetector(); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
		}

		id := r.PathValue("id")
		sub, err := h.manager.Subscribe(id, replay)
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		defer sub.Close()

		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Warn("WebSocket upgrade failed", slog.String("stream_id", id), slog.String("error", err.Error()))
			return
		}
		defer conn.Close()

		ctx, cancel := h.sessionContext(r)
		defer cancel()

		// the client only ever sends control frames; a read error means it left
		go func() {
			defer cancel()
			for {
				if _, _, err := conn.NextReader(); err != nil {
					return
				}
			}
		}()

		var src stream.Stream = sub
		if detector != nil {
			src = stream.Map(sub, detector.Annotate)
		}

		sender := transport.NewWSSender(conn, codec)
		h.logger.Info("Subscriber attached",
			slog.String("stream_id", id),
			slog.String("protocol", codec.Name()),
			slog.Duration("replay", replay),
			slog.Bool("vad", detector != nil),
			slog.String("remote_addr", r.RemoteAddr))

		err = stream.PipeTo(ctx, src, sender)
		if err != nil && ctx.Err() == nil {
			h.logger.Warn("Subscriber stream ended with error",
				slog.String("stream_id", id),
				slog.String("error", err.Error()))
		}
		sender.Close()

		h.logger.Info("Subscriber detached", slog.String("stream_id", id), slog.String("remote_addr", r.RemoteAddr))
	}
}

// handleIngestWS publishes every chunk a websocket client sends
func (h *HTTPServer) handleIngestWS(codec protocol.Codec) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Warn("WebSocket upgrade failed", slog.String("error", err.Error()))
			return
		}

		src, err := transport.StreamFromWebSocket(conn, codec,
			stream.BridgeConfig{Capacity: ingestQueueCap, Overflow: stream.Block}, h.logger, h.metrics)
		if err != nil {
			conn.Close()
			return
		}
		defer src.Close()

		ctx, cancel := h.sessionContext(r)
		defer cancel()

		h.logger.Info("Ingest socket opened", slog.String("protocol", codec.Name()), slog.String("remote_addr", r.RemoteAddr))

		err = stream.PipeTo(ctx, src, stream.SinkFunc(h.manager.Publish))
		if err != nil && ctx.Err() == nil {
			h.logger.Warn("Ingest socket ended with error", slog.String("error", err.Error()))
		}

		h.logger.Info("Ingest socket closed", slog.String("remote_addr", r.RemoteAddr))
	}
}

// sessionContext outlives the hijacked request but ends with the server
func (h *HTTPServer) sessionContext(r *http.Request) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	stop := context.AfterFunc(h.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func parseDuration(v string, fallback time.Duration) (time.Duration, error) {
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %s", v)
	}
	return d, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
