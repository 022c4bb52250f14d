package detections

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const (
	// DefaultPoolSize Pool configuration
	DefaultPoolSize   = 2
	AcquireTimeout    = 5 * time.Second
	HealthCheckPeriod = 60 * time.Second
)

// SessionPool hands out pre-built model sessions, one per concurrent inference.
type SessionPool struct {
	sessions   chan *ModelSession
	size       int
	factory    func() (*ModelSession, error)
	mu         sync.Mutex
	closed     bool
	done       chan struct{}
	metrics    *PoolMetrics
	lastErrors []error

	healthCheckPeriod time.Duration
}

// Most recent session errors kept for Stats
const maxLastErrors = 10

type PoolMetrics struct {
	mu              sync.RWMutex
	InUse           int
	TotalAcquired   int64
	TotalReleased   int64
	AcquireFailures int64
	Discarded       int64
	WaitTime        time.Duration
}

// PoolStats is a point in time copy of PoolMetrics.
type PoolStats struct {
	Size            int           `json:"size"`
	InUse           int           `json:"in_use"`
	TotalAcquired   int64         `json:"total_acquired"`
	TotalReleased   int64         `json:"total_released"`
	AcquireFailures int64         `json:"acquire_failures"`
	Discarded       int64         `json:"discarded"`
	WaitTime        time.Duration `json:"wait_time_ns"`
	LastErrors      []string      `json:"last_errors,omitempty"`
}

// NewSessionPool builds size sessions up front. Sessions lost to Discard are rebuilt by a
// periodic health check.
func NewSessionPool(size int, factory func() (*ModelSession, error)) (*SessionPool, error) {
	return newSessionPool(size, factory, HealthCheckPeriod)
}

func newSessionPool(size int, factory func() (*ModelSession, error), healthCheckPeriod time.Duration) (*SessionPool, error) {
	if size <= 0 {
		size = DefaultPoolSize
	}

	pool := &SessionPool{
		sessions:          make(chan *ModelSession, size),
		size:              size,
		factory:           factory,
		done:              make(chan struct{}),
		metrics:           &PoolMetrics{},
		healthCheckPeriod: healthCheckPeriod,
	}

	for i := 0; i < size; i++ {
		session, err := factory()
		if err != nil {
			pool.Destroy()
			return nil, fmt.Errorf("failed to initialize session %d: %w", i, err)
		}
		pool.sessions <- session
	}

	go pool.healthCheck()

	return pool, nil
}

func (p *SessionPool) Acquire(ctx context.Context) (*ModelSession, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("pool is closed")
	}

	start := time.Now()
	defer func() {
		p.metrics.mu.Lock()
		p.metrics.WaitTime += time.Since(start)
		p.metrics.mu.Unlock()
	}()

	timer := time.NewTimer(AcquireTimeout)
	defer timer.Stop()

	select {
	case session, ok := <-p.sessions:
		if !ok {
			return nil, fmt.Errorf("pool is closed")
		}
		p.metrics.mu.Lock()
		p.metrics.InUse++
		p.metrics.TotalAcquired++
		p.metrics.mu.Unlock()
		return session, nil
	case <-timer.C:
		p.metrics.mu.Lock()
		p.metrics.AcquireFailures++
		p.metrics.mu.Unlock()
		return nil, fmt.Errorf("timeout waiting for available session")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *SessionPool) Release(session *ModelSession) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.metrics.mu.Lock()
	p.metrics.InUse--
	p.metrics.TotalReleased++
	p.metrics.mu.Unlock()

	if p.closed {
		session.Destroy()
		return
	}
	p.sessions <- session
}

// Discard destroys a session that failed instead of returning it to the pool.
// The health check replaces it.
func (p *SessionPool) Discard(session *ModelSession, cause error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.metrics.mu.Lock()
	p.metrics.InUse--
	p.metrics.Discarded++
	p.metrics.mu.Unlock()

	p.recordErrorLocked(cause)
	session.Destroy()
}

func (p *SessionPool) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	p.closed = true
	close(p.done)
	close(p.sessions)

	for session := range p.sessions {
		session.Destroy()
	}
}

func (p *SessionPool) healthCheck() {
	ticker := time.NewTicker(p.healthCheckPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
		}

		p.mu.Lock()
		missing := p.size - len(p.sessions) - p.inUse()
		p.mu.Unlock()

		if missing > 0 {
			p.replenishSessions(missing)
		}
	}
}

func (p *SessionPool) inUse() int {
	p.metrics.mu.RLock()
	defer p.metrics.mu.RUnlock()
	return p.metrics.InUse
}

func (p *SessionPool) replenishSessions(count int) {
	for i := 0; i < count; i++ {
		session, err := p.factory()
		if err != nil {
			p.recordError(err)
			continue
		}
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			session.Destroy()
			return
		}
		p.sessions <- session
		p.mu.Unlock()
	}
}

func (p *SessionPool) recordError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recordErrorLocked(err)
}

func (p *SessionPool) recordErrorLocked(err error) {
	p.lastErrors = append(p.lastErrors, err)
	if len(p.lastErrors) > maxLastErrors {
		p.lastErrors = p.lastErrors[1:]
	}
}

func (p *SessionPool) Stats() PoolStats {
	p.mu.Lock()
	var lastErrors []string
	for _, err := range p.lastErrors {
		lastErrors = append(lastErrors, err.Error())
	}
	p.mu.Unlock()

	p.metrics.mu.RLock()
	defer p.metrics.mu.RUnlock()
	return PoolStats{
		Size:            p.size,
		InUse:           p.metrics.InUse,
		TotalAcquired:   p.metrics.TotalAcquired,
		TotalReleased:   p.metrics.TotalReleased,
		AcquireFailures: p.metrics.AcquireFailures,
		Discarded:       p.metrics.Discarded,
		WaitTime:        p.metrics.WaitTime,
		LastErrors:      lastErrors,
	}
}
