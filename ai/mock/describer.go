package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/poiesic/kbingest/ai"
)

// MockDescriber is a test double for ai.ImageDescriber.
type MockDescriber struct {
	// DescribeImageFunc is called by DescribeImage if set.
	DescribeImageFunc func(ctx context.Context, img ai.Image) (string, error)

	mu    sync.Mutex
	calls []string
}

// NewMockDescriber creates a mock describer with default behavior.
func NewMockDescriber() *MockDescriber {
	return &MockDescriber{}
}

// DescribeImage records the call and returns a description naming the image.
func (m *MockDescriber) DescribeImage(ctx context.Context, img ai.Image) (string, error) {
	m.mu.Lock()
	m.calls = append(m.calls, img.Name)
	m.mu.Unlock()

	if m.DescribeImageFunc != nil {
		return m.DescribeImageFunc(ctx, img)
	}
	return fmt.Sprintf("Mock description of %s (%d bytes)", img.Name, len(img.Data)), nil
}

func (m *MockDescriber) Provider() string {
	return "mock"
}

func (m *MockDescriber) Model() string {
	return "mock-vision"
}

// CallCount returns the number of DescribeImage calls.
func (m *MockDescriber) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// Calls returns the image names passed to DescribeImage, in call order.
func (m *MockDescriber) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}
