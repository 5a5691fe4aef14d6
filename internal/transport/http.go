package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"github.com/rook2pawn/audio-chunk/internal/audio"
	"github.com/rook2pawn/audio-chunk/internal/metrics"
	"github.com/rook2pawn/audio-chunk/internal/protocol"
)

// Sink names used in metrics and logs
const (
	SinkHTTP      = "http"
	SinkRedis     = "redis"
	SinkWebSocket = "websocket"
)

// ErrPosterClosed is returned by Write after Close
var ErrPosterClosed = errors.New("poster closed")

// StatusError is returned when the endpoint answers with a non-2xx status
// after all retries are spent.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP error %d: %s", e.StatusCode, e.Body)
}

// PosterConfig contains configuration for forwarding chunks over HTTP
type PosterConfig struct {
	Endpoint      string
	Timeout       time.Duration
	MaxRetries    int
	RetryWait     time.Duration
	MaxConcurrent int
	Codec         protocol.Codec
}

// PosterStats represents poster statistics
type PosterStats struct {
	TotalRequests   uint64        `json:"total_requests"`
	SuccessRequests uint64        `json:"success_requests"`
	FailedRequests  uint64        `json:"failed_requests"`
	SuccessRate     float64       `json:"success_rate"`
	TotalRetries    uint64        `json:"total_retries"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	ActiveRequests  int           `json:"active_requests"`
}

// Poster POSTs each chunk it is given to a downstream endpoint. It
// implements stream.Sink.
type Poster struct {
	config    PosterConfig
	client    *resty.Client
	semaphore chan struct{}
	logger    *slog.Logger
	metrics   *metrics.Metrics

	totalRequests   uint64
	successRequests uint64
	failedRequests  uint64
	totalRetries    uint64
	avgResponseTime time.Duration
	closed          bool

	mu sync.RWMutex
}

// NewPoster creates a new chunk poster
func NewPoster(config PosterConfig, logger *slog.Logger, m *metrics.Metrics) (*Poster, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.RetryWait <= 0 {
		config.RetryWait = 500 * time.Millisecond
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 8
	}
	if config.Codec == nil {
		config.Codec = protocol.Binary
	}

	p := &Poster{
		config:    config,
		semaphore: make(chan struct{}, config.MaxConcurrent),
		logger:    logger,
		metrics:   m,
	}

	p.client = resty.New().
		SetTimeout(config.Timeout).
		SetRetryCount(config.MaxRetries).
		SetRetryWaitTime(config.RetryWait).
		SetRetryMaxWaitTime(8*config.RetryWait).
		SetHeader("User-Agent", "audio-chunk/1.0").
		AddRetryCondition(retryable).
		AddRetryHook(func(resp *resty.Response, err error) {
			p.incrementTotalRetries()
			p.metrics.RecordForwardRetry(SinkHTTP)
			p.logger.Debug("Retrying chunk post",
				slog.String("endpoint", config.Endpoint),
				slog.Any("error", err))
		})

	return p, nil
}

// retryable retries transport errors, 429 and 5xx, unless the caller gave up
func retryable(resp *resty.Response, err error) bool {
	if resp != nil && resp.Request != nil && resp.Request.Context().Err() != nil {
		return false
	}
	if err != nil {
		return !errors.Is(err, context.Canceled)
	}
	if resp == nil {
		return false
	}
	code := resp.StatusCode()
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}

// Write sends one chunk. Concurrent writers beyond MaxConcurrent wait for a slot.
func (p *Poster) Write(ctx context.Context, c *audio.Chunk) error {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return ErrPosterClosed
	}

	select {
	case p.semaphore <- struct{}{}:
		defer func() { <-p.semaphore }()
	case <-ctx.Done():
		return ctx.Err()
	}

	body, err := p.config.Codec.Encode(c)
	if err != nil {
		return err
	}

	startTime := time.Now()
	p.incrementTotalRequests()

	resp, err := p.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", p.config.Codec.ContentType()).
		SetHeader("X-Request-ID", uuid.NewString()).
		SetBody(body).
		Post(p.config.Endpoint)
	if err == nil && resp.IsError() {
		err = &StatusError{StatusCode: resp.StatusCode(), Body: resp.String()}
	}

	elapsed := time.Since(startTime)
	p.metrics.RecordForward(SinkHTTP, err, elapsed.Seconds())

	if err != nil {
		p.incrementFailedRequests()
		return fmt.Errorf("post chunk to %s: %w", p.config.Endpoint, err)
	}

	p.incrementSuccessRequests()
	p.updateAvgResponseTime(elapsed)
	return nil
}

func (p *Poster) incrementTotalRequests() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.totalRequests++
}

func (p *Poster) incrementSuccessRequests() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.successRequests++
}

func (p *Poster) incrementFailedRequests() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failedRequests++
}

func (p *Poster) incrementTotalRetries() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.totalRetries++
}

func (p *Poster) updateAvgResponseTime(responseTime time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.avgResponseTime == 0 {
		p.avgResponseTime = responseTime
	} else {
		p.avgResponseTime = (p.avgResponseTime + responseTime) / 2
	}
}

// GetStats returns current poster statistics
func (p *Poster) GetStats() PosterStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	successRate := float64(0)
	if p.totalRequests > 0 {
		successRate = float64(p.successRequests) / float64(p.totalRequests) * 100
	}

	return PosterStats{
		TotalRequests:   p.totalRequests,
		SuccessRequests: p.successRequests,
		FailedRequests:  p.failedRequests,
		SuccessRate:     successRate,
		TotalRetries:    p.totalRetries,
		AvgResponseTime: p.avgResponseTime,
		ActiveRequests:  len(p.semaphore),
	}
}

// Close waits for in-flight posts to finish and rejects new ones
func (p *Poster) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	for i := 0; i < p.config.MaxConcurrent; i++ {
		p.semaphore <- struct{}{}
	}
	return nil
}
