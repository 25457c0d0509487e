package audit

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Options tunes the background writer.
type Options struct {
	QueueSize  int           // buffered records before Record falls back to the process log
	BatchSize  int           // max records per sink append
	MaxRetries int           // attempts per sink per batch
	Backoff    time.Duration // initial retry delay, doubled each attempt
}

// DefaultOptions returns the settings used when a field is left zero.
func DefaultOptions() Options {
	return Options{
		QueueSize:  4096,
		BatchSize:  64,
		MaxRetries: 5,
		Backoff:    100 * time.Millisecond,
	}
}

// Stats counts what the logger has done so far.
type Stats struct {
	Written  int64 // records accepted by every sink
	Failed   int64 // records at least one sink rejected after all retries
	Overflow int64 // records that bypassed the queue because it was full or closed
}

// Logger records craft attempts asynchronously. Record never blocks and
// never returns an error.
type Logger struct {
	sinks []Sink
	opts  Options

	mu     sync.RWMutex
	closed bool
	queue  chan Record
	done   chan struct{}

	written  atomic.Int64
	failed   atomic.Int64
	overflow atomic.Int64
}

// NewLogger starts a logger writing to every sink.
func NewLogger(opts Options, sinks ...Sink) *Logger {
	def := DefaultOptions()
	if opts.QueueSize <= 0 {
		opts.QueueSize = def.QueueSize
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = def.BatchSize
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = def.MaxRetries
	}
	if opts.Backoff <= 0 {
		opts.Backoff = def.Backoff
	}
	l := &Logger{
		sinks: sinks,
		opts:  opts,
		queue: make(chan Record, opts.QueueSize),
		done:  make(chan struct{}),
	}
	go l.run()
	return l
}

// Record enqueues rec, assigning an id and timestamp when missing.
func (l *Logger) Record(rec Record) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Time.IsZero() {
		rec.Time = time.Now().UTC()
	}

	l.mu.RLock()
	if !l.closed {
		select {
		case l.queue <- rec:
			l.mu.RUnlock()
			return
		default:
		}
	}
	l.mu.RUnlock()

	l.overflow.Add(1)
	logRecord("audit: queue unavailable, record kept in process log", rec)
}

// Stats returns a copy of the counters.
func (l *Logger) Stats() Stats {
	return Stats{
		Written:  l.written.Load(),
		Failed:   l.failed.Load(),
		Overflow: l.overflow.Load(),
	}
}

// Close stops accepting records and waits for the queue to drain or ctx to end.
func (l *Logger) Close(ctx context.Context) error {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.queue)
	}
	l.mu.Unlock()

	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Logger) run() {
	defer close(l.done)
	batch := make([]Record, 0, l.opts.BatchSize)
	for rec := range l.queue {
		batch = append(batch[:0], rec)
	fill:
		for len(batch) < l.opts.BatchSize {
			select {
			case next, ok := <-l.queue:
				if !ok {
					break fill
				}
				batch = append(batch, next)
			default:
				break fill
			}
		}
		l.flush(batch)
	}
}

func (l *Logger) flush(batch []Record) {
	ok := true
	for _, sink := range l.sinks {
		if err := l.appendWithRetry(sink, batch); err != nil {
			ok = false
			log.Printf("audit: sink %T gave up after %d attempts: %v", sink, l.opts.MaxRetries, err)
			for _, rec := range batch {
				logRecord("audit: undelivered record", rec)
			}
		}
	}
	if ok {
		l.written.Add(int64(len(batch)))
	} else {
		l.failed.Add(int64(len(batch)))
	}
}

func (l *Logger) appendWithRetry(sink Sink, batch []Record) error {
	delay := l.opts.Backoff
	var errs []error
	for attempt := 1; attempt <= l.opts.MaxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := sink.Append(ctx, batch)
		cancel()
		if err == nil {
			return nil
		}
		errs = append(errs, err)
		if attempt < l.opts.MaxRetries {
			time.Sleep(delay)
			delay *= 2
		}
	}
	return errors.Join(errs...)
}

func logRecord(prefix string, rec Record) {
	b, err := json.Marshal(rec)
	if err != nil {
		log.Printf("%s: id=%s player=%s recipe=%s outcome=%s reason=%s", prefix, rec.ID, rec.Player, rec.Recipe, rec.Outcome, rec.Reason)
		return
	}
	log.Printf("%s: %s", prefix, b)
}
