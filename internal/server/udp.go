package server

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/rook2pawn/audio-chunk/internal/config"
	"github.com/rook2pawn/audio-chunk/internal/metrics"
	"github.com/rook2pawn/audio-chunk/internal/protocol"
	"github.com/rook2pawn/audio-chunk/internal/stream"
)

const transportUDP = "udp"

// UDPServer receives binary-encoded chunks, one per datagram, and publishes
// them to the stream manager.
type UDPServer struct {
	conn    *net.UDPConn
	config  *config.ServerConfig
	logger  *slog.Logger
	manager *stream.Manager
	metrics *metrics.Metrics

	ctx       context.Context
	cancel    context.CancelFunc
	receiveWG sync.WaitGroup
	workerWG  sync.WaitGroup
	stopOnce  sync.Once

	// one queue per worker; a sender always lands on the same worker so its
	// chunks are published in arrival order
	packetChans []chan *incomingPacket

	packetsReceived  uint64
	packetsProcessed uint64
	packetsDropped   uint64
	parseErrors      uint64
	publishErrors    uint64
	mu               sync.RWMutex
}

// incomingPacket represents a received UDP datagram with metadata
type incomingPacket struct {
	data       []byte
	remoteAddr *net.UDPAddr
	timestamp  time.Time
}

// ServerStatistics represents UDP server statistics
type ServerStatistics struct {
	PacketsReceived  uint64 `json:"packets_received"`
	PacketsProcessed uint64 `json:"packets_processed"`
	PacketsDropped   uint64 `json:"packets_dropped"`
	ParseErrors      uint64 `json:"parse_errors"`
	PublishErrors    uint64 `json:"publish_errors"`
	ActiveStreams    uint64 `json:"active_streams"`
	QueueSize        uint64 `json:"queue_size"`
	QueueCapacity    uint64 `json:"queue_capacity"`
}

// NewUDPServer creates a new UDP server instance
func NewUDPServer(cfg *config.ServerConfig, logger *slog.Logger, manager *stream.Manager, m *metrics.Metrics) *UDPServer {
	ctx, cancel := context.WithCancel(context.Background())

	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 1000
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	perWorker := queueSize / workers
	if perWorker < 1 {
		perWorker = 1
	}

	packetChans := make([]chan *incomingPacket, workers)
	for i := range packetChans {
		packetChans[i] = make(chan *incomingPacket, perWorker)
	}

	return &UDPServer{
		config:      cfg,
		logger:      logger,
		manager:     manager,
		metrics:     m,
		ctx:         ctx,
		cancel:      cancel,
		packetChans: packetChans,
	}
}

// Start binds the socket and starts the receiver and the worker pool
func (s *UDPServer) Start() error {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", s.config.BindAddress, s.config.UDPPort))
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP: %w", err)
	}
	s.conn = conn

	if err := s.conn.SetReadBuffer(s.config.BufferSize); err != nil {
		s.logger.Warn("Failed to set UDP read buffer size",
			slog.Int("buffer_size", s.config.BufferSize),
			slog.String("error", err.Error()),
		)
	}

	s.logger.Info("UDP server started",
		slog.String("address", s.conn.LocalAddr().String()),
		slog.Int("buffer_size", s.config.BufferSize),
		slog.Int("workers", len(s.packetChans)),
	)

	for i := range s.packetChans {
		s.workerWG.Add(1)
		go s.packetProcessor(i)
	}

	s.receiveWG.Add(1)
	go s.receiveLoop()

	return nil
}

// Addr returns the bound address, or nil before Start
func (s *UDPServer) Addr() net.Addr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Stop closes the socket, drains queued datagrams and waits for the workers
func (s *UDPServer) Stop() error {
	s.stopOnce.Do(s.stop)
	return nil
}

func (s *UDPServer) stop() {
	s.logger.Info("Stopping UDP server...")

	s.cancel()

	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			s.logger.Warn("Error closing UDP connection", slog.String("error", err.Error()))
		}
	}

	// the receiver is the only sender on the worker queues
	s.receiveWG.Wait()
	for _, ch := range s.packetChans {
		close(ch)
	}
	s.workerWG.Wait()

	stats := s.GetStatistics()
	s.logger.Info("UDP server stopped",
		slog.Uint64("packets_received", stats.PacketsReceived),
		slog.Uint64("packets_processed", stats.PacketsProcessed),
		slog.Uint64("packets_dropped", stats.PacketsDropped),
		slog.Uint64("parse_errors", stats.ParseErrors),
	)
}

func (s *UDPServer) receiveLoop() {
	defer s.receiveWG.Done()

	buffer := make([]byte, protocol.MaxDatagramSize)

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		if err := s.conn.SetReadDeadline(time.Now().Add(1 * time.Second)); err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.logger.Error("Failed to set read deadline", slog.String("error", err.Error()))
			continue
		}

		n, remoteAddr, err := s.conn.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if s.ctx.Err() != nil {
				return
			}
			s.logger.Error("Failed to read UDP packet", slog.String("error", err.Error()))
			continue
		}

		s.mu.Lock()
		s.packetsReceived++
		s.mu.Unlock()

		// buffer is reused for the next read
		packetData := make([]byte, n)
		copy(packetData, buffer[:n])

		packet := &incomingPacket{
			data:       packetData,
			remoteAddr: remoteAddr,
			timestamp:  time.Now(),
		}

		select {
		case s.workerQueue(remoteAddr) <- packet:
			s.metrics.SetQueueSize(s.queueLen())
		default:
			s.mu.Lock()
			s.packetsDropped++
			s.mu.Unlock()
			s.logger.Warn("Packet processing queue full, dropping packet",
				slog.String("remote_addr", remoteAddr.String()),
				slog.Int("packet_size", n),
			)
		}
	}
}

func (s *UDPServer) packetProcessor(workerID int) {
	defer s.workerWG.Done()

	s.logger.Debug("Packet processor started", slog.Int("worker_id", workerID))

	for packet := range s.packetChans[workerID] {
		s.handlePacket(packet, workerID)
	}

	s.logger.Debug("Packet processor stopped", slog.Int("worker_id", workerID))
}

func (s *UDPServer) handlePacket(packet *incomingPacket, workerID int) {
	chunk, err := protocol.Binary.Decode(packet.data)
	if err != nil {
		s.mu.Lock()
		s.parseErrors++
		s.mu.Unlock()
		s.metrics.RecordDecodeError(transportUDP, protocol.NameBinary)

		s.logger.Error("Failed to decode datagram",
			slog.String("remote_addr", packet.remoteAddr.String()),
			slog.Int("packet_size", len(packet.data)),
			slog.String("error", err.Error()),
			slog.Int("worker_id", workerID),
		)
		return
	}
	s.metrics.RecordChunkReceived(transportUDP, protocol.NameBinary, chunk.Len())

	if err := s.manager.Publish(s.ctx, chunk); err != nil {
		s.mu.Lock()
		s.publishErrors++
		s.mu.Unlock()

		s.logger.Warn("Failed to publish chunk",
			slog.String("stream_id", stream.StreamKey(chunk)),
			slog.String("error", err.Error()),
			slog.Int("worker_id", workerID),
		)
		return
	}

	s.mu.Lock()
	s.packetsProcessed++
	s.mu.Unlock()

	s.logger.Debug("Chunk published",
		slog.String("stream_id", stream.StreamKey(chunk)),
		slog.String("encoding", string(chunk.Encoding)),
		slog.Int("length", chunk.Len()),
		slog.Duration("queue_delay", time.Since(packet.timestamp)),
		slog.Int("worker_id", workerID),
	)
}

// GetStatistics returns current server statistics
func (s *UDPServer) GetStatistics() ServerStatistics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return ServerStatistics{
		PacketsReceived:  s.packetsReceived,
		PacketsProcessed: s.packetsProcessed,
		PacketsDropped:   s.packetsDropped,
		ParseErrors:      s.parseErrors,
		PublishErrors:    s.publishErrors,
		ActiveStreams:    uint64(s.manager.GetActiveSessionCount()),
		QueueSize:        uint64(s.queueLen()),
		QueueCapacity:    uint64(s.queueCap()),
	}
}

func (s *UDPServer) workerQueue(addr *net.UDPAddr) chan *incomingPacket {
	h := fnv.New32a()
	h.Write(addr.IP)
	h.Write([]byte{byte(addr.Port >> 8), byte(addr.Port)})
	return s.packetChans[h.Sum32()%uint32(len(s.packetChans))]
}

func (s *UDPServer) queueLen() int {
	n := 0
	for _, ch := range s.packetChans {
		n += len(ch)
	}
	return n
}

func (s *UDPServer) queueCap() int {
	n := 0
	for _, ch := range s.packetChans {
		n += cap(ch)
	}
	return n
}
