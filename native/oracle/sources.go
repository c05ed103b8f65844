package oracle

import (
	"context"
	"strings"
	"sync"
)

// SourceFunc adapts a function into a Source.
type SourceFunc struct {
	Label string
	Fn    func(ctx context.Context, venueID string) (Response, error)
}

func (s SourceFunc) Name() string { return s.Label }

func (s SourceFunc) Predict(ctx context.Context, venueID string) (Response, error) {
	if s.Fn == nil {
		return Response{}, ErrNoPrediction
	}
	return s.Fn(ctx, venueID)
}

// StaticSource serves predictions from an in-memory table. It is used by the
// simulation mode and by tests.
type StaticSource struct {
	name string
	mu   sync.RWMutex
	data map[string]Response
}

// NewStaticSource constructs an empty static source.
func NewStaticSource(name string) *StaticSource {
	return &StaticSource{name: name, data: make(map[string]Response)}
}

// Set stores the response served for venueID.
func (s *StaticSource) Set(venueID string, resp Response) {
	s.mu.Lock()
	s.data[strings.ToLower(strings.TrimSpace(venueID))] = resp
	s.mu.Unlock()
}

func (s *StaticSource) Name() string { return s.name }

func (s *StaticSource) Predict(_ context.Context, venueID string) (Response, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	resp, ok := s.data[strings.ToLower(strings.TrimSpace(venueID))]
	if !ok {
		return Response{}, ErrNoPrediction
	}
	return resp, nil
}
