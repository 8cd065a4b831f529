package bridge

import (
	"context"
	"sync"
)

// Future is the caller's side of a one-shot completion. It is resolved at
// most once, by the engine's completion callback or by dropping the producer
// side; every Wait after resolution returns the same outcome.
type Future struct {
	done chan struct{}
	once sync.Once

	resp *Response
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// resolve sets the outcome. Only the first call has an effect; it reports
// whether this call was that one.
func (f *Future) resolve(resp *Response, err error) bool {
	won := false
	f.once.Do(func() {
		f.resp, f.err = resp, err
		close(f.done)
		won = true
	})
	return won
}

// drop resolves the future with a ChannelError: the producer went away
// without delivering a response.
func (f *Future) drop(reason string) bool {
	return f.resolve(nil, newError(KindChannel, "completion", reason))
}

// Done is closed once the future is resolved.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the future is resolved or ctx is done. ctx only bounds
// the wait: the engine keeps executing the request, and a later Wait can
// still collect the response.
func (f *Future) Wait(ctx context.Context) (*Response, error) {
	select {
	case <-f.done:
		return f.resp, f.err
	default:
	}

	select {
	case <-f.done:
		return f.resp, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Discard gives up on the future. The response, when it arrives, is deleted
// in the background.
func (f *Future) Discard() {
	go func() {
		<-f.done
		if f.resp != nil {
			f.resp.Close()
		}
	}()
}
