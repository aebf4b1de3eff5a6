package jitter

import (
	"errors"
	"sync/atomic"
)

// NotimeThread abstracts the worker backing the software timer. The
// built-in implementation runs a goroutine; embedders without one can
// register their own handling with SwitchNotimeImpl before Init.
//
// Start launches fn on the worker and returns immediately; Stop must
// not return before fn has. The worker is started and stopped around
// every read burst, so implementations should keep both cheap.
type NotimeThread interface {
	Init() (ctx any, err error)
	Fini(ctx any)
	Start(ctx any, fn func()) error
	Stop(ctx any)
}

// notimeState couples a collector to its timer worker. The worker only
// ever touches the two atomic fields, never the rest of the collector.
type notimeState struct {
	timer     atomic.Uint64
	interrupt atomic.Bool
	prevTimer uint64
	ctx       any
}

type builtinNotime struct{}

type builtinNotimeCtx struct {
	done chan struct{}
}

func (builtinNotime) Init() (any, error) {
	return &builtinNotimeCtx{}, nil
}

func (builtinNotime) Fini(ctx any) {}

func (builtinNotime) Start(ctx any, fn func()) error {
	tc, ok := ctx.(*builtinNotimeCtx)
	if !ok {
		return errors.New("jitter: foreign notime context")
	}

	tc.done = make(chan struct{})

	go func() {
		defer close(tc.done)

		fn()
	}()

	return nil
}

func (builtinNotime) Stop(ctx any) {
	tc, ok := ctx.(*builtinNotimeCtx)
	if !ok || tc.done == nil {
		return
	}

	<-tc.done

	tc.done = nil
}

// notimeLoop increments the software timer as fast as the core allows
// until the interrupt flag is raised. The reader samples the counter
// concurrently; the contention between the two is itself part of the
// measured jitter. The loop must never yield voluntarily.
func (c *Collector) notimeLoop() {
	for !c.notime.interrupt.Load() {
		c.notime.timer.Add(1)
	}
}

func (c *Collector) notimeStart() error {
	impl := notimeImpl()

	if c.notime.ctx == nil {
		ctx, err := impl.Init()
		if err != nil {
			return err
		}

		c.notime.ctx = ctx
	}

	c.notime.interrupt.Store(false)

	return impl.Start(c.notime.ctx, c.notimeLoop)
}

func (c *Collector) notimeStop() {
	c.notime.interrupt.Store(true)

	notimeImpl().Stop(c.notime.ctx)
}
