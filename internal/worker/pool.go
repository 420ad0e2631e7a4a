// Package worker runs task executions on a bounded set of goroutines.
package worker

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"remindflow/internal/metrics"
)

// Pool bounds the number of concurrent executions. Slots are acquired
// without blocking so the caller can leave work for later when saturated.
type Pool struct {
	sem      chan struct{}
	wg       sync.WaitGroup
	inFlight atomic.Int64
}

func NewPool(size int) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{sem: make(chan struct{}, size)}
}

// TryAcquire reserves a slot. It reports false when every slot is busy.
func (p *Pool) TryAcquire() bool {
	select {
	case p.sem <- struct{}{}:
		p.wg.Add(1)
		metrics.SetInFlight(int(p.inFlight.Add(1)))
		return true
	default:
		return false
	}
}

// Release returns a slot reserved with TryAcquire that was not handed to Go.
func (p *Pool) Release() {
	metrics.SetInFlight(int(p.inFlight.Add(-1)))
	<-p.sem
	p.wg.Done()
}

// Go runs fn on a slot previously reserved with TryAcquire and releases it
// when fn returns. A panic in fn is logged and swallowed.
func (p *Pool) Go(fn func()) {
	go func() {
		defer p.Release()
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Msg("worker panicked")
			}
		}()
		fn()
	}()
}

// TryGo acquires a slot and runs fn on it, or reports false when saturated.
func (p *Pool) TryGo(fn func()) bool {
	if !p.TryAcquire() {
		return false
	}
	p.Go(fn)
	return true
}

func (p *Pool) InFlight() int { return int(p.inFlight.Load()) }

func (p *Pool) Size() int { return cap(p.sem) }

// Wait blocks until every running execution has finished.
func (p *Pool) Wait() { p.wg.Wait() }
