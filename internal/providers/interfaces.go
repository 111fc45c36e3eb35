package providers

import (
	"context"

	"github.com/aimux-ai/aimux/internal/types"
)

// Dispatcher is the boundary between the routing core and a concrete
// backend. Implementations translate the gateway's request shape to their
// SDK and surface failures as *types.ProviderError so the error classifier
// can categorize them.
type Dispatcher interface {
	Name() string
	Complete(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, error)
	Stream(ctx context.Context, req *types.ChatRequest) (<-chan *types.ChatChunk, error)
	HealthCheck(ctx context.Context) (*types.HealthStatus, error)
}
