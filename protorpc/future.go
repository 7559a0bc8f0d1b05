package protorpc

import (
	"context"
	"sync"

	"github.com/glycerine/idem"
)

// FutureState is one of pending, resolved, rejected.
type FutureState int

const (
	FuturePending  FutureState = 0
	FutureResolved FutureState = 1
	FutureRejected FutureState = 2
)

func (s FutureState) String() string {
	switch s {
	case FuturePending:
		return "pending"
	case FutureResolved:
		return "resolved"
	case FutureRejected:
		return "rejected"
	}
	return "unknown"
}

// Future holds the eventual outcome of one outgoing request.
// It settles exactly once; later Resolve/Reject calls are
// no-ops that return false.
type Future struct {
	mut   sync.Mutex
	state FutureState
	value []byte
	err   error

	done *idem.IdemCloseChan
}

func newFuture() (f *Future) {
	f = &Future{}
	f.done = idem.NewIdemCloseChan()
	return
}

// Resolve settles f with value. Returns true if this call settled it.
func (f *Future) Resolve(value []byte) bool {
	f.mut.Lock()
	if f.state != FuturePending {
		f.mut.Unlock()
		return false
	}
	f.state = FutureResolved
	f.value = value
	f.mut.Unlock()
	f.done.Close()
	return true
}

// Reject settles f with err. Returns true if this call settled it.
func (f *Future) Reject(err error) bool {
	f.mut.Lock()
	if f.state != FuturePending {
		f.mut.Unlock()
		return false
	}
	f.state = FutureRejected
	f.err = err
	f.mut.Unlock()
	f.done.Close()
	return true
}

func (f *Future) State() FutureState {
	f.mut.Lock()
	defer f.mut.Unlock()
	return f.state
}

// Done is closed once f has settled.
func (f *Future) Done() <-chan struct{} {
	return f.done.Chan
}

// Wait blocks until f settles or ctx is done. A ctx
// error does not settle f.
func (f *Future) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-f.done.Chan:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	f.mut.Lock()
	defer f.mut.Unlock()
	return f.value, f.err
}
