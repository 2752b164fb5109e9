package telephony

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// PlacedCall records one Place invocation on a MockPlacer.
type PlacedCall struct {
	Request PlaceRequest
	Handle  string
}

// MockPlacer stands in for a provider when no credentials are configured,
// and in tests. It is safe for concurrent use.
type MockPlacer struct {
	mu     sync.Mutex
	placed []PlacedCall
	seq    int
	// Err, when set, is returned by every Place call.
	Err error
	// Block, when set, holds Place until it is closed or ctx ends.
	Block chan struct{}
}

var _ Placer = (*MockPlacer)(nil)

func NewMockPlacer() *MockPlacer {
	return &MockPlacer{}
}

func (m *MockPlacer) Place(ctx context.Context, req PlaceRequest) (string, error) {
	if m.Block != nil {
		select {
		case <-m.Block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		m.placed = append(m.placed, PlacedCall{Request: req})
		return "", m.Err
	}
	m.seq++
	handle := fmt.Sprintf("MOCK%06d", m.seq)
	m.placed = append(m.placed, PlacedCall{Request: req, Handle: handle})
	slog.Info("MockPlacer: call placed", "callID", req.CallID, "to", req.To, "handle", handle)
	return handle, nil
}

// Placed returns a copy of every recorded Place invocation.
func (m *MockPlacer) Placed() []PlacedCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]PlacedCall(nil), m.placed...)
}

// Count returns the number of Place invocations.
func (m *MockPlacer) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.placed)
}
