package eventbus

import (
	"context"
	"sync"
)

// Consume calls handler with each payload from sub until ctx ends or the
// subscription closes. A non-nil wg is marked done on return.
func Consume[T any](ctx context.Context, sub *TypedSubscription[T], wg *sync.WaitGroup, handler func(T)) {
	ConsumeEnvelope(ctx, sub, wg, func(env TypedEnvelope[T]) { handler(env.Payload) })
}

// ConsumeEnvelope is Consume with access to envelope metadata.
func ConsumeEnvelope[T any](ctx context.Context, sub *TypedSubscription[T], wg *sync.WaitGroup, handler func(TypedEnvelope[T])) {
	if wg != nil {
		defer wg.Done()
	}
	if sub == nil {
		return
	}
	events := sub.C()
	done := ctx.Done()
	for {
		select {
		case env, ok := <-events:
			if !ok {
				return
			}
			handler(env)
		case <-done:
			return
		}
	}
}
