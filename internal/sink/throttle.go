package sink

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// Throttle limits the send rate of the wrapped sink. A send that cannot get
// a token before ctx ends fails transiently and never reaches the sink.
type Throttle struct {
	next    Sink
	limiter *rate.Limiter
}

// NewThrottle returns next unchanged when perSecond is not positive.
func NewThrottle(next Sink, perSecond float64, burst int) Sink {
	if perSecond <= 0 {
		return next
	}
	if burst < 1 {
		burst = 1
	}
	return &Throttle{next: next, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (t *Throttle) Send(ctx context.Context, msg Message) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return Transient(fmt.Errorf("rate limit: %w", err))
	}
	return t.next.Send(ctx, msg)
}
