// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package callout

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"grimm.is/flowguard/internal/flow"
	"grimm.is/flowguard/internal/kernel"
	"grimm.is/flowguard/internal/slotlist"
)

// Injector is the worker that hands inspector-approved packets back to
// the stack. Each queued context carries a reference owned by the queue;
// each in-flight injection carries one more until its completion runs.
type Injector struct {
	d *Dispatcher

	mu      sync.Mutex
	queue   *slotlist.List[flow.Context]
	waiting []flow.Context
	notify  chan struct{}
	stopped atomic.Bool

	inFlight atomic.Int64
}

func newInjector(d *Dispatcher) *Injector {
	return &Injector{
		d:      d,
		queue:  slotlist.New[flow.Context](64),
		notify: make(chan struct{}, 1),
	}
}

// Schedule queues c for injection. The caller must hold the context's
// inject claim (a true schedule result from Post or Passthrough).
func (in *Injector) Schedule(c flow.Context) {
	if in.stopped.Load() {
		// Nothing will drain the queue; settle the claim now.
		in.discard(c)
		return
	}
	c.AddRef()
	in.mu.Lock()
	in.queue.PushBack(c)
	in.mu.Unlock()
	in.wake()
}

func (in *Injector) wake() {
	select {
	case in.notify <- struct{}{}:
	default:
	}
}

// discard drops every packet a context has waiting for injection.
func (in *Injector) discard(c flow.Context) {
	for {
		p, ok := c.NextInject()
		if !ok {
			break
		}
		c.InjectDone(p, context.Canceled)
	}
	c.FinishInject()
}

// Run drains the queue until ctx ends.
func (in *Injector) Run(ctx context.Context) error {
	ticker := time.NewTicker(in.d.config.RetryInterval)
	defer ticker.Stop()
	in.d.logger.Info("injector started")

	for {
		in.RunOnce()
		select {
		case <-ctx.Done():
			in.Stop()
			in.d.logger.Info("injector stopped")
			return nil
		case <-in.notify:
		case <-ticker.C:
			in.Retry()
		}
	}
}

// RunOnce processes every context currently queued and returns how many
// were processed.
func (in *Injector) RunOnce() int {
	n := 0
	for !in.stopped.Load() {
		in.mu.Lock()
		c, ok := in.queue.PopFront()
		in.mu.Unlock()
		if !ok {
			break
		}
		in.process(c)
		n++
	}
	return n
}

// Retry moves flows held back by flow control onto the queue again.
func (in *Injector) Retry() int {
	in.mu.Lock()
	w := in.waiting
	in.waiting = nil
	for _, c := range w {
		in.queue.PushBack(c)
	}
	in.mu.Unlock()
	if len(w) > 0 {
		in.wake()
	}
	return len(w)
}

// Pending returns the number of queued and waiting contexts.
func (in *Injector) Pending() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.queue.Len() + len(in.waiting)
}

// InFlight returns the number of injections awaiting completion.
func (in *Injector) InFlight() int { return int(in.inFlight.Load()) }

// Stop sets the shutdown flag and drops every queued context.
func (in *Injector) Stop() {
	in.stopped.Store(true)
	in.mu.Lock()
	list := in.queue.Drain()
	list = append(list, in.waiting...)
	in.waiting = nil
	in.mu.Unlock()
	for _, c := range list {
		in.discard(c)
		c.Release()
	}
}

func layerOf(k flow.Kind) kernel.Layer {
	switch k {
	case flow.KindTCP:
		return kernel.LayerStream
	case flow.KindUDP:
		return kernel.LayerDatagram
	}
	return kernel.LayerIP
}

// process injects c's queued packets. The queue's reference on c is
// released here, or carried over when c is queued again.
func (in *Injector) process(c flow.Context) {
	d := in.d
	layer := layerOf(c.Kind())
	for !in.stopped.Load() {
		p, ok := c.NextInject()
		if !ok {
			break
		}
		if bucket := c.FlowControl(); bucket != 0 && d.qos != nil &&
			d.qos.MustSuspend(bucket, qosDirection(p.Direction), c.LastIO()) {
			c.Requeue(p)
			d.metrics.Suspended("flow_control")
			in.mu.Lock()
			in.waiting = append(in.waiting, c)
			in.mu.Unlock()
			return
		}
		in.inject(c, layer, p)
	}
	if c.FinishInject() && !in.stopped.Load() {
		in.mu.Lock()
		in.queue.PushBack(c)
		in.mu.Unlock()
		return
	}
	c.Release()
}

func (in *Injector) inject(c flow.Context, layer kernel.Layer, p *flow.Packet) {
	d := in.d
	info := c.Info()
	inj := kernel.Injection{
		Layer:          layer,
		FlowHandle:     c.FlowHandle(),
		Direction:      p.Direction,
		Data:           p.Data,
		Disconnect:     p.Disconnect(),
		Local:          info.Local,
		Remote:         info.Remote,
		Options:        p.Options,
		InterfaceIndex: p.InterfaceIndex,
	}
	if p.Local.IsValid() {
		inj.Local = p.Local
	}
	if p.Remote.IsValid() {
		inj.Remote = p.Remote
	}
	if p.Flags&flow.PacketHeld != 0 {
		inj.StackID = p.StackID
	}

	c.AddRef()
	in.inFlight.Add(1)
	err := d.stack.Inject(inj, func(err error) {
		in.complete(c, layer, p, err)
	})
	if err != nil {
		// The stack refused synchronously and will not call back.
		d.degraded("injection refused, dropping packet",
			"layer", layer.String(), "id", c.ID(), "bytes", p.Len(), "error", err)
		in.complete(c, layer, p, err)
	}
}

func (in *Injector) complete(c flow.Context, layer kernel.Layer, p *flow.Packet, err error) {
	d := in.d
	c.InjectDone(p, err)
	if err == nil {
		d.record(c.FlowControl(), p.Direction, p.Len())
	} else {
		d.degraded("injection failed", "layer", layer.String(), "id", c.ID(), "error", err)
	}
	d.metrics.Inject(layer.String(), p.Len(), err)
	in.inFlight.Add(-1)
	c.Release()
}
