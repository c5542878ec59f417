package rpc

import (
	"context"
	"sync"

	"github.com/subplex/subplex-go/pkg/wire"
)

// Future is the eventual outcome of one request.
type Future struct {
	ID         uint64
	Method     string
	Generation uint64

	owner *Correlator
	once  sync.Once
	done  chan struct{}
	resp  *wire.Response
	err   error
}

// Done is closed once the request has an outcome.
func (f *Future) Done() <-chan struct{} { return f.done }

// Result returns the outcome. It must only be called after Done is closed.
func (f *Future) Result() (*wire.Response, error) {
	return f.resp, f.err
}

// Wait blocks for the outcome. If ctx ends first the request is abandoned:
// it leaves the pending table and a later response is dropped.
func (f *Future) Wait(ctx context.Context) (*wire.Response, error) {
	select {
	case <-f.done:
		return f.resp, f.err
	case <-ctx.Done():
		if f.owner != nil {
			f.owner.cancel(f.ID)
		}
		<-f.done
		if f.err == context.Canceled {
			return nil, ctx.Err()
		}
		return f.resp, f.err
	}
}

func (f *Future) complete(resp *wire.Response, err error) {
	f.once.Do(func() {
		f.resp = resp
		f.err = err
		close(f.done)
	})
}
