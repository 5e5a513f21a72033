package rate

import (
	"context"
	"fmt"

	xrate "golang.org/x/time/rate"
)

// Limiter gates outbound API calls so we respect Gmail rate limits.
type Limiter interface {
	Wait(ctx context.Context) error
}

// PerSecond releases rps requests per second with a burst of the same size.
type PerSecond struct {
	limiter *xrate.Limiter
}

// NewPerSecond returns a limiter for rps requests per second. It returns nil when
// rps is not positive, which callers treat as unlimited.
func NewPerSecond(rps int) *PerSecond {
	if rps <= 0 {
		return nil
	}
	return &PerSecond{limiter: xrate.NewLimiter(xrate.Limit(rps), rps)}
}

// Wait blocks until a request may proceed or the context is canceled.
func (p *PerSecond) Wait(ctx context.Context) error {
	if p == nil {
		return nil
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate wait canceled: %w", err)
	}
	return nil
}

var _ Limiter = (*PerSecond)(nil)
