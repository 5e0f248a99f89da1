package cleanup

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/pulsechat/filecore/internal/logger"
	"github.com/pulsechat/filecore/internal/metrics"
	"github.com/pulsechat/filecore/pkg/fastkv"
)

// Priority selects a notification queue.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
)

// queueKey returns the fast-store list a priority drains from.
func queueKey(p Priority) string {
	return "notify_queue:" + string(p)
}

// maxDrainPerTick bounds one drain pass so a flooded queue cannot starve
// the other loops sharing the runner.
const maxDrainPerTick = 256

// Notification is one queued entry awaiting dispatch. Producers enqueue
// them when an event should outlive the live-socket fanout (for example a
// finished upload while the user has no connected devices).
type Notification struct {
	Kind   string          `json:"kind"`
	UserID string          `json:"user_id"`
	FileID string          `json:"file_id,omitempty"`
	Body   json.RawMessage `json:"body,omitempty"`
	At     time.Time       `json:"at"`
}

// NotifyFunc dispatches one drained notification. Dispatch failures are
// logged and the entry is dropped; the queues are best-effort by design.
type NotifyFunc func(ctx context.Context, n *Notification) error

// Enqueue appends a notification to the given priority queue.
func Enqueue(ctx context.Context, kv fastkv.FastKV, p Priority, n *Notification) error {
	if n.At.IsZero() {
		n.At = time.Now().UTC()
	}
	raw, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return kv.LPush(ctx, queueKey(p), string(raw))
}

// Drainer empties the notification queues, high priority first.
type Drainer struct {
	kv     fastkv.FastKV
	notify NotifyFunc
}

// NewDrainer creates a queue drainer. A nil notify falls back to logging
// each entry.
func NewDrainer(kv fastkv.FastKV, notify NotifyFunc) *Drainer {
	d := &Drainer{kv: kv, notify: notify}
	if d.notify == nil {
		d.notify = logNotification
	}
	return d
}

// Drain pops the high queue dry, then the normal queue, dispatching each
// entry in arrival order. Returns the number of entries handled.
func (d *Drainer) Drain(ctx context.Context) int {
	total := 0
	for _, p := range []Priority{PriorityHigh, PriorityNormal} {
		total += d.drainQueue(ctx, p)
	}
	return total
}

func (d *Drainer) drainQueue(ctx context.Context, p Priority) int {
	drained := 0
	for drained < maxDrainPerTick {
		raw, err := d.kv.RPop(ctx, queueKey(p))
		if errors.Is(err, fastkv.ErrNotFound) {
			break
		}
		if err != nil {
			logger.Warn("notification queue pop failed", "priority", p, "err", err)
			break
		}
		drained++
		metrics.NotificationsDrainedTotal.WithLabelValues(string(p)).Inc()

		var n Notification
		if err := json.Unmarshal([]byte(raw), &n); err != nil {
			logger.Warn("corrupt notification dropped", "priority", p, "err", err)
			continue
		}
		if err := d.notify(ctx, &n); err != nil {
			logger.Warn("notification dispatch failed",
				"priority", p, "kind", n.Kind, "user_id", n.UserID, "err", err)
		}
	}
	return drained
}

func logNotification(_ context.Context, n *Notification) error {
	logger.Info("notification drained",
		"kind", n.Kind, "user_id", n.UserID, "file_id", n.FileID)
	return nil
}
