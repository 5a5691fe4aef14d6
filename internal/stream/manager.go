package stream

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/rook2pawn/audio-chunk/internal/audio"
	"github.com/rook2pawn/audio-chunk/internal/metrics"
)

// DefaultStreamID keys chunks that carry no stream identifier
const DefaultStreamID = "default"

var (
	// ErrTooManySessions is returned when a new stream would exceed MaxSessions
	ErrTooManySessions = errors.New("too many active streams")

	// ErrSessionNotFound is returned for lookups of unknown streams
	ErrSessionNotFound = errors.New("stream not found")
)

// StreamKey returns the session key a chunk is published under
func StreamKey(c *audio.Chunk) string {
	if c.ID == "" {
		return DefaultStreamID
	}
	return c.ID
}

// ManagerConfig contains configuration for the stream manager
type ManagerConfig struct {
	MaxAge          time.Duration // per-stream replay horizon
	SessionTimeout  time.Duration // idle time before a stream is dropped
	CleanupInterval time.Duration
	MaxSessions     int // 0 means unlimited
	Subscriber      BridgeConfig
	Clock           func() time.Time
}

// Session is one live stream: its replay buffer and its subscribers
type Session struct {
	ID        string
	StartTime time.Time

	buffer *WindowedBuffer

	// publishMu serialises publishes so every subscriber sees buffer order
	publishMu sync.Mutex

	mu              sync.RWMutex
	lastActivity    time.Time
	subscribers     map[uint64]Inlet
	chunksReceived  uint64
	subscriberDrops uint64
}

// SessionInfo represents session information for monitoring and APIs
type SessionInfo struct {
	StreamID        string        `json:"stream_id"`
	StartTime       time.Time     `json:"start_time"`
	LastActivity    time.Time     `json:"last_activity"`
	Duration        time.Duration `json:"duration"`
	ChunksReceived  uint64        `json:"chunks_received"`
	Subscribers     int           `json:"subscribers"`
	SubscriberDrops uint64        `json:"subscriber_drops"`
	Buffer          BufferStats   `json:"buffer"`
}

// Manager keeps one session per stream and fans published chunks out to the
// session buffer, the session subscribers and the global taps.
type Manager struct {
	sessions map[string]*Session
	taps     map[uint64]Inlet
	nextID   uint64
	mu       sync.RWMutex

	logger  *slog.Logger
	config  ManagerConfig
	metrics *metrics.Metrics

	ctx     context.Context
	cancel  context.CancelFunc
	cleanup chan struct{}
}

// NewManager creates a stream manager and starts its cleanup routine
func NewManager(logger *slog.Logger, config ManagerConfig, m *metrics.Metrics) *Manager {
	if config.MaxAge <= 0 {
		config.MaxAge = DefaultMaxAge
	}
	if config.SessionTimeout <= 0 {
		config.SessionTimeout = 5 * time.Minute
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 30 * time.Second
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	mgr := &Manager{
		sessions: make(map[string]*Session),
		taps:     make(map[uint64]Inlet),
		logger:   logger,
		config:   config,
		metrics:  m,
		ctx:      ctx,
		cancel:   cancel,
		cleanup:  make(chan struct{}),
	}

	go mgr.startCleanupRoutine()

	return mgr
}

// Publish records c in its stream buffer and hands it to every subscriber of
// that stream and to every tap. Full subscriber queues drop according to
// their policy; only context errors from blocking subscribers are returned.
func (m *Manager) Publish(ctx context.Context, c *audio.Chunk) error {
	session, err := m.getOrCreate(StreamKey(c))
	if err != nil {
		return err
	}

	session.publishMu.Lock()
	defer session.publishMu.Unlock()

	session.mu.Lock()
	session.lastActivity = m.config.Clock()
	session.chunksReceived++
	evicted := session.buffer.Push(c)
	targets := make([]Inlet, 0, len(session.subscribers))
	for _, in := range session.subscribers {
		targets = append(targets, in)
	}
	session.mu.Unlock()

	m.metrics.RecordEvictions(evicted)

	m.mu.RLock()
	for _, in := range m.taps {
		targets = append(targets, in)
	}
	m.mu.RUnlock()

	for _, in := range targets {
		err := in.Push(ctx, c)
		switch {
		case err == nil, errors.Is(err, ErrDropped), errors.Is(err, ErrClosed):
		default:
			return err
		}
	}

	return nil
}

// Subscribe opens a live view of stream id, creating the stream if needed.
// With replay > 0 the view starts with the buffered chunks from the last
// replay interval; nothing is duplicated or skipped between the two parts.
func (m *Manager) Subscribe(id string, replay time.Duration) (Stream, error) {
	if id == "" {
		id = DefaultStreamID
	}
	session, err := m.getOrCreate(id)
	if err != nil {
		return nil, err
	}

	subID := m.newID()
	cfg := m.config.Subscriber
	cfg.OnDrop = func(*audio.Chunk) {
		session.mu.Lock()
		session.subscriberDrops++
		session.mu.Unlock()
		m.metrics.RecordSubscriberDrop()
	}

	var snapshot []*audio.Chunk
	bridge, err := Subscribe(cfg, func(in Inlet) (func(), error) {
		session.mu.Lock()
		session.subscribers[subID] = in
		if replay > 0 {
			snapshot = session.buffer.Recent(replay)
		}
		session.mu.Unlock()
		m.metrics.AddSubscribers(1)

		return func() {
			session.mu.Lock()
			delete(session.subscribers, subID)
			session.mu.Unlock()
			m.metrics.AddSubscribers(-1)
		}, nil
	})
	if err != nil {
		return nil, err
	}

	m.logger.Debug("Subscriber attached",
		slog.String("stream_id", id),
		slog.Uint64("subscriber_id", subID),
		slog.Int("replayed", len(snapshot)),
	)

	if len(snapshot) > 0 {
		return Concat(FromSlice(snapshot), bridge), nil
	}
	return bridge, nil
}

// Tap opens a view of every chunk published to any stream from now on
func (m *Manager) Tap(cfg BridgeConfig) *Bridge {
	tapID := m.newID()
	if cfg.OnDrop == nil {
		cfg.OnDrop = func(*audio.Chunk) { m.metrics.RecordSubscriberDrop() }
	}

	bridge, _ := Subscribe(cfg, func(in Inlet) (func(), error) {
		m.mu.Lock()
		m.taps[tapID] = in
		m.mu.Unlock()

		return func() {
			m.mu.Lock()
			delete(m.taps, tapID)
			m.mu.Unlock()
		}, nil
	})
	return bridge
}

// Recent returns the buffered chunks of stream id from the last window
func (m *Manager) Recent(id string, window time.Duration) ([]*audio.Chunk, error) {
	session, ok := m.GetSession(id)
	if !ok {
		return nil, ErrSessionNotFound
	}
	return session.buffer.Recent(window), nil
}

// GetSession retrieves an existing stream session
func (m *Manager) GetSession(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, exists := m.sessions[id]
	return session, exists
}

// GetActiveSessionCount returns the number of currently active sessions
func (m *Manager) GetActiveSessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// GetAllSessions returns information on every session, ordered by stream id
func (m *Manager) GetAllSessions() []SessionInfo {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		sessions = append(sessions, session)
	}
	m.mu.RUnlock()

	infos := make([]SessionInfo, 0, len(sessions))
	for _, session := range sessions {
		infos = append(infos, session.GetSessionInfo())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].StreamID < infos[j].StreamID })
	return infos
}

// RemoveSession drops a stream. Its subscribers drain what they have queued
// and then see end of stream.
func (m *Manager) RemoveSession(id string) bool {
	m.mu.Lock()
	session, exists := m.sessions[id]
	if exists {
		delete(m.sessions, id)
		m.metrics.SetActiveStreams(len(m.sessions))
	}
	m.mu.Unlock()

	if !exists {
		return false
	}

	info := session.GetSessionInfo()
	session.finishSubscribers()
	m.metrics.RecordStreamDestroyed(info.Duration.Seconds())

	m.logger.Info("Stream session removed",
		slog.String("stream_id", id),
		slog.Duration("duration", info.Duration),
		slog.Uint64("chunks_received", info.ChunksReceived),
		slog.Uint64("subscriber_drops", info.SubscriberDrops),
	)

	return true
}

// Stop ends every stream and tap and stops the cleanup routine
func (m *Manager) Stop() {
	m.logger.Info("Stopping stream manager...")

	m.cancel()
	<-m.cleanup

	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	taps := m.taps
	m.taps = make(map[uint64]Inlet)
	m.mu.Unlock()

	for _, session := range sessions {
		session.finishSubscribers()
	}
	for _, in := range taps {
		in.Finish()
	}
	m.metrics.SetActiveStreams(0)

	m.logger.Info("Stream manager stopped",
		slog.Int("closed_sessions", len(sessions)),
		slog.Int("closed_taps", len(taps)),
	)
}

func (m *Manager) getOrCreate(id string) (*Session, error) {
	m.mu.RLock()
	session, ok := m.sessions[id]
	m.mu.RUnlock()
	if ok {
		return session, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if session, ok := m.sessions[id]; ok {
		return session, nil
	}
	if m.config.MaxSessions > 0 && len(m.sessions) >= m.config.MaxSessions {
		return nil, ErrTooManySessions
	}

	now := m.config.Clock()
	session = &Session{
		ID:           id,
		StartTime:    now,
		lastActivity: now,
		buffer:       NewWindowedBuffer(m.config.MaxAge, WithClock(m.config.Clock)),
		subscribers:  make(map[uint64]Inlet),
	}
	m.sessions[id] = session

	m.metrics.RecordStreamCreated()
	m.metrics.SetActiveStreams(len(m.sessions))
	m.logger.Info("Created new stream session",
		slog.String("stream_id", id),
		slog.Duration("max_age", m.config.MaxAge),
	)

	return session, nil
}

func (m *Manager) newID() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	return m.nextID
}

// startCleanupRoutine runs in a separate goroutine to clean up expired sessions
func (m *Manager) startCleanupRoutine() {
	defer close(m.cleanup)

	ticker := time.NewTicker(m.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.cleanupExpiredSessions()
		}
	}
}

// cleanupExpiredSessions removes sessions that have been idle for too long
func (m *Manager) cleanupExpiredSessions() int {
	now := m.config.Clock()
	var expired []string

	m.mu.RLock()
	for id, session := range m.sessions {
		session.mu.RLock()
		idle := now.Sub(session.lastActivity)
		session.mu.RUnlock()

		if idle > m.config.SessionTimeout {
			expired = append(expired, id)
		}
	}
	m.mu.RUnlock()

	if len(expired) > 0 {
		m.logger.Info("Cleaning up expired sessions",
			slog.Int("expired_count", len(expired)),
		)
		for _, id := range expired {
			m.RemoveSession(id)
		}
	}
	return len(expired)
}

// GetSessionInfo returns session information for monitoring and APIs
func (s *Session) GetSessionInfo() SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return SessionInfo{
		StreamID:        s.ID,
		StartTime:       s.StartTime,
		LastActivity:    s.lastActivity,
		Duration:        s.lastActivity.Sub(s.StartTime),
		ChunksReceived:  s.chunksReceived,
		Subscribers:     len(s.subscribers),
		SubscriberDrops: s.subscriberDrops,
		Buffer:          s.buffer.GetStats(),
	}
}

// Buffer returns the session replay buffer
func (s *Session) Buffer() *WindowedBuffer {
	return s.buffer
}

func (s *Session) finishSubscribers() {
	s.mu.RLock()
	subs := make([]Inlet, 0, len(s.subscribers))
	for _, in := range s.subscribers {
		subs = append(subs, in)
	}
	s.mu.RUnlock()

	for _, in := range subs {
		in.Finish()
	}
}
