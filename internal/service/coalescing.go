package service

import (
	"context"
	"sync"
	"time"

	"github.com/kjstillabower/gdu-service/internal/models"
)

// inFlightRequest tracks a single computation that multiple callers may wait for.
type inFlightRequest struct {
	done   chan struct{}
	result models.GduResult
	err    error
}

// requestCoalescer shares one computation between identical concurrent queries.
type requestCoalescer struct {
	mu       sync.Mutex
	inFlight map[string]*inFlightRequest
	timeout  time.Duration
}

func newRequestCoalescer(timeout time.Duration) *requestCoalescer {
	return &requestCoalescer{
		inFlight: make(map[string]*inFlightRequest),
		timeout:  timeout,
	}
}

// GetOrDo runs fn once per key among concurrent callers. shared reports
// whether this caller joined a computation started by another one. Each
// caller stops waiting when its own ctx is done or the coalesce timeout
// elapses; fn keeps running for the others.
func (rc *requestCoalescer) GetOrDo(ctx context.Context, key string, fn func() (models.GduResult, error)) (result models.GduResult, shared bool, err error) {
	rc.mu.Lock()
	req, exists := rc.inFlight[key]
	if !exists {
		req = &inFlightRequest{done: make(chan struct{})}
		rc.inFlight[key] = req
		go func() {
			req.result, req.err = fn()
			rc.cleanup(key)
			close(req.done)
		}()
	}
	rc.mu.Unlock()

	waitCtx, cancel := context.WithTimeout(ctx, rc.timeout)
	defer cancel()
	select {
	case <-req.done:
		return req.result, exists, req.err
	case <-waitCtx.Done():
		return models.GduResult{}, exists, waitCtx.Err()
	}
}

// cleanup removes the in-flight request for key. Must be called after request completes.
func (rc *requestCoalescer) cleanup(key string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	delete(rc.inFlight, key)
}

// pending returns the number of keys being computed.
func (rc *requestCoalescer) pending() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return len(rc.inFlight)
}
