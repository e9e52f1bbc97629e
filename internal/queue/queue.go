// Package queue moves normalized triggers from the HTTP surface to the
// coordinator through a redis list, so webhook bursts never block on
// planning.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/kestrel-ci/kestrel/internal/event"
	"github.com/kestrel-ci/kestrel/internal/logging"
)

var queueLogger = logging.C("queue")

// DefaultKey is the redis list triggers travel through.
const DefaultKey = "kestrel:triggers"

type Queue struct {
	rdb *redis.Client
	key string
}

func New(rdb *redis.Client, key string) *Queue {
	if key == "" {
		key = DefaultKey
	}
	return &Queue{rdb: rdb, key: key}
}

// Enqueue appends one trigger to the list tail. The worker pops from the
// head, so triggers come out in arrival order.
func (q *Queue) Enqueue(ctx context.Context, trig event.Trigger) error {
	raw, err := json.Marshal(trig)
	if err != nil {
		return fmt.Errorf("encode trigger: %w", err)
	}
	if err := q.rdb.RPush(ctx, q.key, raw).Err(); err != nil {
		return fmt.Errorf("enqueue trigger: %w", err)
	}
	return nil
}

// Ping probes the redis connection for health checks.
func (q *Queue) Ping(ctx context.Context) error {
	return q.rdb.Ping(ctx).Err()
}

// Handler consumes dequeued triggers. The run coordinator satisfies it.
type Handler interface {
	HandleTrigger(ctx context.Context, trig event.Trigger) error
}

// Worker pops triggers and hands them to the handler one at a time, in
// arrival order. Group FIFO depends on runs being created in that order.
type Worker struct {
	queue   *Queue
	handler Handler
	poll    time.Duration
}

func NewWorker(q *Queue, h Handler) *Worker {
	return &Worker{queue: q, handler: h, poll: 5 * time.Second}
}

// Run blocks until the context ends. Malformed payloads and handler
// failures are logged and skipped so one poison entry cannot stall the
// queue.
func (w *Worker) Run(ctx context.Context) {
	queueLogger.WithField("key", w.queue.key).Info("trigger worker started")
	for {
		select {
		case <-ctx.Done():
			queueLogger.Info("stopping trigger worker")
			return
		default:
		}
		res, err := w.queue.rdb.BLPop(ctx, w.poll, w.queue.key).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				queueLogger.Info("stopping trigger worker")
				return
			}
			queueLogger.WithError(err).Error("redis pop failed")
			time.Sleep(time.Second)
			continue
		}
		if len(res) < 2 {
			continue
		}
		w.dispatch(ctx, []byte(res[1]))
	}
}

func (w *Worker) dispatch(ctx context.Context, raw []byte) {
	var trig event.Trigger
	if err := json.Unmarshal(raw, &trig); err != nil {
		queueLogger.WithError(err).Warn("dropping malformed trigger payload")
		return
	}
	if err := w.handler.HandleTrigger(ctx, trig); err != nil {
		queueLogger.WithError(err).WithFields(logrus.Fields{
			"trigger": trig.ID,
			"project": trig.Project,
		}).Error("trigger handling failed")
	}
}
