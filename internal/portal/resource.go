package portal

import (
	"context"
	"fmt"
	"io"
)

// ResourceGuard bounds the number of in-flight page fetches and the size of
// any response body read into memory.
type ResourceGuard struct {
	semaphore   chan struct{}
	maxBodySize int64
}

// NewResourceGuard creates a new resource guard.
func NewResourceGuard(maxConcurrent int, maxBodySize int64) *ResourceGuard {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &ResourceGuard{
		semaphore:   make(chan struct{}, maxConcurrent),
		maxBodySize: maxBodySize,
	}
}

// Acquire takes a fetch slot, blocking until one is free or ctx ends.
func (g *ResourceGuard) Acquire(ctx context.Context) error {
	select {
	case g.semaphore <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("context cancelled while waiting for fetch slot: %w", ctx.Err())
	}
}

// Release frees a fetch slot.
func (g *ResourceGuard) Release() {
	<-g.semaphore
}

// ReadBody reads a response body with the configured size limit.
func (g *ResourceGuard) ReadBody(body io.Reader) ([]byte, error) {
	limited := io.LimitReader(body, g.maxBodySize)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}
	if int64(len(data)) >= g.maxBodySize {
		return nil, fmt.Errorf("response body too large (max %d bytes)", g.maxBodySize)
	}
	return data, nil
}
