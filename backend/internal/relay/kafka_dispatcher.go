package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/golang/glog"

	"collabSync/backend/internal/breaker"
)

var ErrDispatcherClosed = errors.New("kafka dispatcher closed")

// KafkaDispatcher publishes applied ops from a bounded local queue.
// Submit only enqueues; workers send with limited retries, and when the
// queue stays full events are dropped rather than stalling edits.
type KafkaDispatcher struct {
	producer sarama.SyncProducer
	topic    string

	mu     sync.RWMutex
	closed bool
	queue  chan DocOpEvent
	wg     sync.WaitGroup

	// limits concurrent SendMessage calls
	kafkaSem *SemaphoreControl

	workers     int
	maxRetry    int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	sleep       func(time.Duration)

	sent    atomic.Int64
	dropped atomic.Int64
}

type KafkaDispatcherOptions struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func NewKafkaDispatcher(producer sarama.SyncProducer, topic string, kafkaSem *SemaphoreControl, opt KafkaDispatcherOptions) *KafkaDispatcher {
	if opt.QueueSize <= 0 {
		opt.QueueSize = 1024
	}
	if opt.Workers <= 0 {
		opt.Workers = 1
	}
	if opt.BaseBackoff <= 0 {
		opt.BaseBackoff = 50 * time.Millisecond
	}
	if opt.MaxBackoff < opt.BaseBackoff {
		opt.MaxBackoff = opt.BaseBackoff
	}
	d := &KafkaDispatcher{
		producer:    producer,
		topic:       topic,
		queue:       make(chan DocOpEvent, opt.QueueSize),
		kafkaSem:    kafkaSem,
		workers:     opt.Workers,
		maxRetry:    opt.MaxRetry,
		baseBackoff: opt.BaseBackoff,
		maxBackoff:  opt.MaxBackoff,
		sleep:       time.Sleep,
	}
	d.start()
	return d
}

// Enqueue waits for queue space until ctx is done. Delivery is best
// effort: not every event has to reach Kafka.
func (d *KafkaDispatcher) Enqueue(ctx context.Context, evt DocOpEvent) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	select {
	case d.queue <- evt:
		return nil
	case <-ctx.Done():
		d.dropped.Add(1)
		return ctx.Err()
	}
}

// Close stops accepting events and waits for the queue to drain.
func (d *KafkaDispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *KafkaDispatcher) Sent() int64    { return d.sent.Load() }
func (d *KafkaDispatcher) Dropped() int64 { return d.dropped.Load() }

func (d *KafkaDispatcher) start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.workerLoop(i)
	}
}

func (d *KafkaDispatcher) workerLoop(workerID int) {
	defer d.wg.Done()
	for evt := range d.queue {
		d.sendWithRetry(workerID, evt)
	}
}

func (d *KafkaDispatcher) sendWithRetry(workerID int, evt DocOpEvent) {
	bo := breaker.NewBackoff(d.baseBackoff, d.maxBackoff, 2, 0)
	for attempt := 0; attempt <= d.maxRetry; attempt++ {
		if d.kafkaSem != nil {
			// workers may wait indefinitely, they are off the edit path
			_ = d.kafkaSem.Acquire(context.Background())
		}
		err := d.sendOnce(evt)
		if d.kafkaSem != nil {
			_ = d.kafkaSem.Release()
		}
		if err == nil {
			d.sent.Add(1)
			return
		}
		if attempt == d.maxRetry {
			d.dropped.Add(1)
			glog.Warningf("[kafka] drop event doc=%s op=%s rev=%d worker=%d: %v",
				evt.DocID, evt.OperationID, evt.Revision, workerID, err)
			return
		}
		d.sleep(bo.Next())
	}
}

func (d *KafkaDispatcher) sendOnce(evt DocOpEvent) error {
	if d.producer == nil || d.topic == "" {
		return nil
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: d.topic,
		// keyed by document so one document's events stay in one partition
		Key:   sarama.StringEncoder(evt.DocID),
		Value: sarama.ByteEncoder(b),
	}
	_, _, err = d.producer.SendMessage(msg)
	return err
}

// NewSyncProducer builds the producer the dispatcher expects.
func NewSyncProducer(brokers []string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	// required by SyncProducer
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	return sarama.NewSyncProducer(brokers, cfg)
}
