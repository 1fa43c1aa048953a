// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux

package kernel

import (
	"context"

	"github.com/ti-mo/conntrack"
	"github.com/ti-mo/netfilter"

	"grimm.is/flowguard/internal/errors"
	"grimm.is/flowguard/internal/logging"
)

// ConntrackWatcher turns conntrack destroy events into flow teardown calls.
type ConntrackWatcher struct {
	onTeardown FlowTeardown
	logger     *logging.Logger
	workers    uint8
}

// NewConntrackWatcher creates a watcher calling fn for every destroyed
// TCP or UDP flow.
func NewConntrackWatcher(fn FlowTeardown, logger *logging.Logger) *ConntrackWatcher {
	if logger == nil {
		logger = logging.WithComponent("conntrack")
	}
	return &ConntrackWatcher{onTeardown: fn, logger: logger, workers: 2}
}

// Run listens for destroy events until ctx ends.
func (w *ConntrackWatcher) Run(ctx context.Context) error {
	c, err := conntrack.Dial(nil)
	if err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "dial conntrack")
	}
	defer c.Close()

	events := make(chan conntrack.Event, 1024)
	errCh, err := c.Listen(events, w.workers, []netfilter.NetlinkGroup{netfilter.GroupCTDestroy})
	if err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "listen for conntrack events")
	}
	w.logger.Info("conntrack watcher started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			if err != nil {
				return errors.Wrap(err, errors.KindUnavailable, "conntrack listener failed")
			}
		case ev := <-events:
			if ev.Type != conntrack.EventDestroy || ev.Flow == nil {
				continue
			}
			t := ev.Flow.TupleOrig
			proto := t.Proto.Protocol
			if proto != 6 && proto != 17 {
				continue
			}
			h := TupleHandle(proto,
				addrPort(t.IP.SourceAddress, t.Proto.SourcePort),
				addrPort(t.IP.DestinationAddress, t.Proto.DestinationPort))
			w.onTeardown(h)
		}
	}
}

func deleteConntrack(t flowTuple) error {
	c, err := conntrack.Dial(nil)
	if err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "dial conntrack")
	}
	defer c.Close()

	f := conntrack.NewFlow(t.proto, 0, t.src.Addr(), t.dst.Addr(), t.src.Port(), t.dst.Port(), 0, 0)
	if err := c.Delete(f); err != nil {
		return errors.Wrapf(err, errors.KindUnavailable, "delete conntrack entry %s -> %s", t.src, t.dst)
	}
	return nil
}
