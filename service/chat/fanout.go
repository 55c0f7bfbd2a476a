package chat

import (
	"context"
	"hash/fnv"
	"sync"

	"PPMessenger/tools/safe"

	"go.uber.org/zap"
)

type fanoutJob struct {
	topic string
	ev    *Event
}

// Fanout delivers events to the current members of a topic. Jobs are sharded
// by topic onto a fixed set of workers so that one topic's events reach each
// subscriber in publish order.
type Fanout struct {
	reg    *Registry
	log    *zap.Logger
	shards []chan fanoutJob
	wg     sync.WaitGroup

	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewFanout(reg *Registry, log *zap.Logger, workers, queue int) *Fanout {
	if workers <= 0 {
		workers = 1
	}
	if queue <= 0 {
		queue = 1024
	}
	f := &Fanout{
		reg:    reg,
		log:    log,
		shards: make([]chan fanoutJob, workers),
		stopCh: make(chan struct{}),
	}
	for i := range f.shards {
		ch := make(chan fanoutJob, queue)
		f.shards[i] = ch
		f.wg.Add(1)
		go f.worker(ch)
	}
	return f
}

func (f *Fanout) worker(jobs chan fanoutJob) {
	defer f.wg.Done()
	for {
		select {
		case job := <-jobs:
			f.deliver(job)
		case <-f.stopCh:
			return
		}
	}
}

func (f *Fanout) deliver(job fanoutJob) {
	defer safe.Recover("fanout")
	for _, sub := range f.reg.MembersOf(job.topic) {
		if !sub.Deliver(job.ev) {
			// Slow or closed subscriber: skip it, others still get the event
			f.log.Debug("fanout skipped subscriber",
				zap.String("topic", job.topic), zap.String("sub", sub.ID()), zap.Int64("event", job.ev.ID))
		}
	}
}

// Publish queues ev for the members of topic. It blocks only while the
// topic's shard queue is full.
func (f *Fanout) Publish(ctx context.Context, topic string, ev *Event) error {
	select {
	case <-f.stopCh:
		return ErrStopped
	default:
	}
	select {
	case f.shards[f.shard(topic)] <- fanoutJob{topic: topic, ev: ev}:
		return nil
	case <-f.stopCh:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *Fanout) shard(topic string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(topic))
	return int(h.Sum32() % uint32(len(f.shards)))
}

// Stop halts the workers. Queued jobs that have not started are dropped.
func (f *Fanout) Stop() {
	f.stopOnce.Do(func() { close(f.stopCh) })
	f.wg.Wait()
}
