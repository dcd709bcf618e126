package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"query-portal-engine/internal/request"
)

// Memory is an in-process request store. It backs tests and lets the
// server run without a database during development.
type Memory struct {
	mu      sync.RWMutex
	byID    map[string]request.Request
	byToken map[string]string // token -> id
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		byID:    make(map[string]request.Request),
		byToken: make(map[string]string),
	}
}

// Create inserts a new request.
func (m *Memory) Create(_ context.Context, req *request.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byID[req.ID]; exists {
		return fmt.Errorf("request %s already exists", req.ID)
	}
	if _, exists := m.byToken[req.Token]; exists {
		return fmt.Errorf("token collision for request %s", req.ID)
	}
	m.byID[req.ID] = clone(req)
	m.byToken[req.Token] = req.ID
	return nil
}

// GetByToken retrieves a request by its public token.
func (m *Memory) GetByToken(_ context.Context, token string) (*request.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byToken[token]
	if !ok {
		return nil, request.ErrNotFound
	}
	stored := m.byID[id]
	req := clone(&stored)
	return &req, nil
}

// Update replaces the stored request with the same id.
func (m *Memory) Update(_ context.Context, req *request.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byID[req.ID]; !ok {
		return request.ErrNotFound
	}
	m.byID[req.ID] = clone(req)
	return nil
}

// List returns matching requests, newest first.
func (m *Memory) List(_ context.Context, filter request.Filter) ([]request.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []request.Request
	for _, req := range m.byID {
		if filter.Status != "" && req.Status != filter.Status {
			continue
		}
		if filter.SubmitterID != "" && req.SubmitterID != filter.SubmitterID {
			continue
		}
		if filter.InstanceID != "" && req.InstanceID != filter.InstanceID {
			continue
		}
		matched = append(matched, clone(&req))
	}

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	offset := filter.Offset
	if offset > len(matched) {
		offset = len(matched)
	}
	matched = matched[offset:]

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	if limit < len(matched) {
		matched = matched[:limit]
	}

	return matched, nil
}

// Healthy always reports true; there is nothing to lose.
func (m *Memory) Healthy(context.Context) bool { return true }

// clone copies a request so stored state never aliases caller state. The
// warnings slice is copied; timestamp pointers are safe to share because
// lifecycle transitions assign fresh pointers instead of mutating.
func clone(req *request.Request) request.Request {
	c := *req
	if len(req.Warnings) > 0 {
		c.Warnings = append([]request.Finding(nil), req.Warnings...)
	}
	return c
}
