// Package actuator defines the boundary between the orchestrator and the
// remote generation service: the actions it can take and the outcomes it can
// observe.
package actuator

import (
	"context"
	"time"

	"github.com/mpataki/segloop/internal/models"
)

// Actuator performs one unit of work against the remote service and reports
// a typed outcome. Implementations are used by one goroutine at a time.
type Actuator interface {
	SubmitImage(ctx context.Context, image []byte) error
	WaitImageReady(ctx context.Context, bound time.Duration) error
	SubmitText(ctx context.Context, prompt string) error

	// WaitForResult blocks until the service produces a result or rejects the
	// submission. Rejections are returned as *Failure.
	WaitForResult(ctx context.Context, timeout time.Duration) (models.ResultHandle, error)

	DetectOptionalBranch(ctx context.Context) (bool, error)

	// ResolveOptionalBranch settles a pending choice. With auto it dismisses
	// the choice; otherwise it waits for someone to pick. An empty handle
	// means the current result stands.
	ResolveOptionalBranch(ctx context.Context, auto bool) (models.ResultHandle, error)

	Upscale(ctx context.Context, handle models.ResultHandle) (models.ResultHandle, error)
	ExtractDerivedImage(ctx context.Context, handle models.ResultHandle) ([]byte, error)

	// TriggerRegenerationAction is best effort: a missing control is not an error.
	TriggerRegenerationAction(ctx context.Context) error
}

// Fetcher is implemented by actuators that can return the bytes behind a
// result handle, used for downloads.
type Fetcher interface {
	FetchResult(ctx context.Context, handle models.ResultHandle) ([]byte, error)
}

// StrictModer is implemented by actuators with a fallback submission
// strategy that strict mode turns off.
type StrictModer interface {
	SetStrictMode(strict bool)
}
