package signaling

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Caller is anything that can make an acknowledged request.
type Caller interface {
	Call(ctx context.Context, method string, params, result any) error
}

// Call makes one request through c and bounds it by timeout. A zero timeout
// leaves the deadline to ctx.
func Call[Resp any](ctx context.Context, c Caller, method string, params any, timeout time.Duration) (Resp, error) {
	var resp Resp
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	err := c.Call(ctx, method, params, &resp)
	if err != nil && !errors.Is(err, ErrTimeout) && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%s: %w", method, ErrTimeout)
	}
	return resp, err
}
