package main

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/rook2pawn/audio-chunk/internal/protocol"
)

const maxBodySize = 16 << 20

type sinkStats struct {
	Requests uint64            `json:"requests"`
	Accepted uint64            `json:"accepted"`
	Rejected uint64            `json:"rejected"`
	Failed   uint64            `json:"failed"`
	Streams  map[string]uint64 `json:"streams"`
}

type sink struct {
	logger    *slog.Logger
	failEvery int

	mu    sync.Mutex
	stats sinkStats
}

func newSink(logger *slog.Logger, failEvery int) *sink {
	return &sink{
		logger:    logger,
		failEvery: failEvery,
		stats:     sinkStats{Streams: make(map[string]uint64)},
	}
}

func (s *sink) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /chunks", s.handleChunk)
	mux.HandleFunc("GET /stats", s.handleStats)
	return mux
}

func (s *sink) handleChunk(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.stats.Requests++
	n := s.stats.Requests
	fail := s.failEvery > 0 && n%uint64(s.failEvery) == 0
	if fail {
		s.stats.Failed++
	}
	s.mu.Unlock()

	if fail {
		s.logger.Warn("Simulated failure", slog.Uint64("request", n))
		http.Error(w, "simulated failure", http.StatusServiceUnavailable)
		return
	}

	codec, err := protocol.ForContentType(r.Header.Get("Content-Type"))
	if err != nil {
		s.reject(w, http.StatusUnsupportedMediaType, err)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		s.reject(w, http.StatusBadRequest, err)
		return
	}

	chunk, err := codec.Decode(body)
	if err != nil {
		s.reject(w, http.StatusBadRequest, err)
		return
	}

	s.mu.Lock()
	s.stats.Accepted++
	s.stats.Streams[chunk.ID]++
	s.mu.Unlock()

	s.logger.Info("Chunk received",
		slog.String("request_id", r.Header.Get("X-Request-ID")),
		slog.String("protocol", codec.Name()),
		slog.String("stream_id", chunk.ID),
		slog.String("encoding", string(chunk.Encoding)),
		slog.Int("sample_rate", chunk.SampleRate),
		slog.Int("length", chunk.Len()),
		slog.Duration("duration", chunk.Duration()),
		slog.Time("timestamp", chunk.Timestamp),
		slog.Int("body_bytes", len(body)),
	)

	w.WriteHeader(http.StatusNoContent)
}

func (s *sink) reject(w http.ResponseWriter, status int, err error) {
	s.mu.Lock()
	s.stats.Rejected++
	s.mu.Unlock()

	s.logger.Warn("Chunk rejected",
		slog.Int("status", status),
		slog.String("error", err.Error()),
	)
	http.Error(w, err.Error(), status)
}

func (s *sink) snapshot() sinkStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.stats
	out.Streams = make(map[string]uint64, len(s.stats.Streams))
	for k, v := range s.stats.Streams {
		out.Streams[k] = v
	}
	return out
}

func (s *sink) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.snapshot())
}
