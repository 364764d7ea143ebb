package eventlog

import (
	"context"
	"time"

	"github.com/basket/taskd/internal/bus"
)

// pollInterval bounds how long a subscriber can stall when the bus drops
// the notification for a record that is already durable.
const pollInterval = 500 * time.Millisecond

// Subscribe streams every event with Seq > afterSeq: first the durable
// history, then live events. The bus subscription is taken before history is
// read so nothing falls between the two. Live notifications are only hints;
// gaps are filled from the log, so the delivered sequence is exactly the
// durable one. When the requested prefix has been compacted away the stream
// starts at the oldest surviving record. The channel closes after the
// terminal event, immediately if afterSeq is already at or past it, or when
// ctx ends.
func (l *Log) Subscribe(ctx context.Context, executionID string, afterSeq uint64) (<-chan Event, error) {
	if _, err := l.exec(executionID); err != nil {
		return nil, err
	}
	b := l.opts.Bus
	var sub *bus.Subscription
	if b != nil {
		sub = b.SubscribeBuffered(bus.TopicExecutionEvent, 1024)
	}
	history, err := l.Replay(executionID, afterSeq)
	if err != nil {
		if sub != nil {
			b.Unsubscribe(sub)
		}
		return nil, err
	}

	out := make(chan Event, 64)
	go func() {
		defer close(out)
		if sub != nil {
			defer b.Unsubscribe(sub)
		}
		last := afterSeq

		// skipCompacted moves last up to the oldest record of a durable read
		// when everything before it was removed by Compact.
		skipCompacted := func(evs []Event) {
			if len(evs) > 0 && evs[0].Seq > last+1 {
				l.logger.Debug("subscriber resuming past compacted records",
					"execution_id", executionID, "requested_after", last, "first_seq", evs[0].Seq)
				last = evs[0].Seq - 1
			}
		}

		// deliver sends evs in order, skipping anything already sent. It
		// reports true once the terminal event went out or ctx ended.
		deliver := func(evs []Event) bool {
			for _, ev := range evs {
				if ev.Seq <= last {
					continue
				}
				if ev.Seq != last+1 {
					// A hole means we were handed something out of order;
					// the next catch-up read resolves it.
					return false
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return true
				}
				last = ev.Seq
				if ev.Terminal() {
					return true
				}
			}
			return false
		}
		catchUp := func() bool {
			evs, err := l.Replay(executionID, last)
			if err != nil {
				l.logger.Warn("subscriber catch-up failed", "execution_id", executionID, "error", err)
				return false
			}
			skipCompacted(evs)
			return deliver(evs)
		}

		skipCompacted(history)
		if deliver(history) {
			return
		}
		if tail, terminal, err := l.LastSeq(executionID); err == nil && terminal && last >= tail {
			return
		}

		var live <-chan bus.Event
		if sub != nil {
			live = sub.Ch()
		}
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-live:
				if !ok {
					live = nil
					continue
				}
				ev, isEvent := msg.Payload.(Event)
				if !isEvent || ev.ExecutionID != executionID || ev.Seq <= last {
					continue
				}
				var done bool
				if ev.Seq == last+1 {
					done = deliver([]Event{ev})
				} else {
					done = catchUp()
				}
				if done {
					return
				}
			case <-ticker.C:
				if catchUp() {
					return
				}
			}
		}
	}()
	return out, nil
}
