package dispatch

import (
	"context"
	"maps"
	"slices"
	"time"

	"github.com/MrWong99/voicectl/internal/events"
	"github.com/MrWong99/voicectl/internal/observe"
	"github.com/MrWong99/voicectl/pkg/words"
)

// NotifyComplete ends the wait for the control with the given id. It reports
// whether the id was being waited for; unknown ids are ignored.
func (d *Dispatcher) NotifyComplete(id string) bool {
	d.waitMu.Lock()
	defer d.waitMu.Unlock()
	if _, ok := d.waiting[id]; !ok {
		return false
	}
	delete(d.waiting, id)
	d.signal()
	return true
}

// Waiting returns the sorted ids whose completion is outstanding.
func (d *Dispatcher) Waiting() []string {
	d.waitMu.Lock()
	defer d.waitMu.Unlock()
	return slices.Sorted(maps.Keys(d.waiting))
}

func (d *Dispatcher) isWaiting(id string) bool {
	d.waitMu.Lock()
	defer d.waitMu.Unlock()
	_, ok := d.waiting[id]
	return ok
}

// arm adds id to the waiting set and reports whether it was newly added.
func (d *Dispatcher) arm(id string) bool {
	d.waitMu.Lock()
	defer d.waitMu.Unlock()
	if _, ok := d.waiting[id]; ok {
		return false
	}
	d.waiting[id] = struct{}{}
	return true
}

// disarm withdraws an armed id whose action did not succeed.
func (d *Dispatcher) disarm(id string) {
	d.waitMu.Lock()
	defer d.waitMu.Unlock()
	if _, ok := d.waiting[id]; ok {
		delete(d.waiting, id)
		d.signal()
	}
}

// signal wakes waiters. The caller holds d.waitMu.
func (d *Dispatcher) signal() {
	close(d.changed)
	d.changed = make(chan struct{})
}

// pending returns the outstanding ids and the channel that is closed on the
// next change.
func (d *Dispatcher) pending() ([]string, <-chan struct{}) {
	d.waitMu.Lock()
	defer d.waitMu.Unlock()
	return slices.Sorted(maps.Keys(d.waiting)), d.changed
}

// awaitCompletions blocks while the waiting set is non-empty. It returns nil
// once the set drains or the completion timeout abandons the wait,
// [words.ErrClosed] when src closes and ctx.Err() when ctx ends.
func (d *Dispatcher) awaitCompletions(ctx context.Context, src words.Source) error {
	ids, changed := d.pending()
	if len(ids) == 0 {
		return nil
	}

	start := time.Now()
	d.pub.Publish(events.Event{Kind: events.Waiting, Control: ids[0]})
	observe.Logger(ctx).Debug("dispatch: waiting for completion",
		"session", d.session,
		"controls", ids,
	)

	var timeout <-chan time.Time
	if d.timeout > 0 {
		t := time.NewTimer(d.timeout)
		defer t.Stop()
		timeout = t.C
	}

	for {
		select {
		case <-changed:
			if ids, changed = d.pending(); len(ids) == 0 {
				d.metrics.RecordCompletionWait(ctx, time.Since(start).Seconds(), "completed")
				d.pub.Publish(events.Event{Kind: events.Resumed})
				return nil
			}
		case <-timeout:
			d.waitMu.Lock()
			abandoned := slices.Sorted(maps.Keys(d.waiting))
			clear(d.waiting)
			d.signal()
			d.waitMu.Unlock()

			observe.Logger(ctx).Warn("dispatch: completion wait timed out, resuming",
				"session", d.session,
				"controls", abandoned,
				"timeout", d.timeout,
			)
			d.metrics.RecordCompletionWait(ctx, time.Since(start).Seconds(), "timeout")
			d.pub.Publish(events.Event{Kind: events.Resumed, Error: ErrCompletionTimeout.Error()})
			return nil
		case <-src.Done():
			d.metrics.RecordCompletionWait(ctx, time.Since(start).Seconds(), "cancelled")
			return words.ErrClosed
		case <-ctx.Done():
			d.metrics.RecordCompletionWait(ctx, time.Since(start).Seconds(), "cancelled")
			return ctx.Err()
		}
	}
}
