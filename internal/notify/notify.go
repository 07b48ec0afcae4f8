// Package notify delivers operator notifications to webhook and message-queue sinks.
package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/zombar/coldstore/internal/metrics"
)

// EventType names a notification.
type EventType string

// Notification types.
const (
	TapeOffline      EventType = "TAPE_OFFLINE"
	RestoreFailed    EventType = "RESTORE_FAILED"
	BundleFailed     EventType = "BUNDLE_FAILED"
	RestoreCompleted EventType = "RESTORE_COMPLETED"
)

// Event is the JSON document delivered to every sink.
type Event struct {
	Type      EventType `json:"type"`
	Time      time.Time `json:"time"`
	TapeID    string    `json:"tape_id,omitempty"`
	BundleIDs []string  `json:"bundle_ids,omitempty"`
	TaskID    string    `json:"task_id,omitempty"`
	Object    string    `json:"object,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Sink delivers one encoded event.
type Sink interface {
	Name() string
	Send(ctx context.Context, payload []byte) error
	Close() error
}

// Notifier accepts events without blocking the caller.
type Notifier interface {
	Emit(ev Event)
}

// Config configures a Dispatcher.
type Config struct {
	Enabled    bool
	Sinks      []Sink
	QueueSize  int           // default 256
	MaxRetries int           // attempts per sink, default 3
	Backoff    time.Duration // first retry delay, default 500ms
	Timeout    time.Duration // per attempt, default 10s
	Logger     zerolog.Logger
	Metrics    *metrics.Metrics
	Now        func() time.Time
}

// Dispatcher queues events and delivers them from a background goroutine. Delivery failures
// are logged and counted, never returned.
type Dispatcher struct {
	cfg    Config
	queue  chan Event
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	stop   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// New creates a Dispatcher. Call Start to begin delivery.
func New(cfg Config) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 500 * time.Millisecond
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cfg:    cfg,
		queue:  make(chan Event, cfg.QueueSize),
		logger: cfg.Logger.With().Str("component", "notify").Logger(),
		ctx:    ctx,
		cancel: cancel,
		stop:   make(chan struct{}),
	}
}

// Start begins the delivery goroutine.
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			select {
			case <-d.stop:
				d.drain()
				return
			case ev := <-d.queue:
				d.deliver(d.ctx, ev)
			}
		}
	}()
}

// drain delivers whatever is still queued.
func (d *Dispatcher) drain() {
	for {
		select {
		case ev := <-d.queue:
			d.deliver(d.ctx, ev)
		default:
			return
		}
	}
}

// Stop delivers queued events, stops the goroutine and closes the sinks.
func (d *Dispatcher) Stop() {
	d.once.Do(func() {
		close(d.stop)
		d.wg.Wait()
		d.cancel()
		for _, s := range d.cfg.Sinks {
			if err := s.Close(); err != nil {
				d.logger.Debug().Err(err).Str("sink", s.Name()).Msg("close sink")
			}
		}
	})
}

// Emit queues ev. A full queue drops the event.
func (d *Dispatcher) Emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = d.cfg.Now().UTC()
	}
	level := zerolog.WarnLevel
	if ev.Type == RestoreCompleted {
		level = zerolog.InfoLevel
	}
	d.logger.WithLevel(level).
		Str("type", string(ev.Type)).
		Str("tape", ev.TapeID).
		Strs("bundles", ev.BundleIDs).
		Str("task", ev.TaskID).
		Str("object", ev.Object).
		Str("error", ev.Error).
		Msg("operator notification")
	if !d.cfg.Enabled || len(d.cfg.Sinks) == 0 {
		return
	}
	select {
	case d.queue <- ev:
	default:
		if d.cfg.Metrics != nil {
			d.cfg.Metrics.NotificationsDropped.Inc()
		}
		d.logger.Warn().Str("type", string(ev.Type)).Msg("notification queue full, dropping event")
	}
}

func (d *Dispatcher) deliver(ctx context.Context, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		d.logger.Error().Err(err).Msg("encode notification")
		return
	}
	for _, s := range d.cfg.Sinks {
		err := d.send(ctx, s, payload)
		if d.cfg.Metrics != nil {
			if err != nil {
				d.cfg.Metrics.NotificationsFailed.WithLabelValues(s.Name(), string(ev.Type)).Inc()
			} else {
				d.cfg.Metrics.NotificationsSent.WithLabelValues(s.Name(), string(ev.Type)).Inc()
			}
		}
		if err != nil {
			d.logger.Error().Err(err).Str("sink", s.Name()).Str("type", string(ev.Type)).
				Int("attempts", d.cfg.MaxRetries).Msg("notification delivery failed")
		}
	}
}

// send tries s up to MaxRetries times with exponential backoff.
func (d *Dispatcher) send(ctx context.Context, s Sink, payload []byte) error {
	delay := d.cfg.Backoff
	var err error
	for attempt := 1; attempt <= d.cfg.MaxRetries; attempt++ {
		actx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
		err = s.Send(actx, payload)
		cancel()
		if err == nil {
			return nil
		}
		d.logger.Debug().Err(err).Str("sink", s.Name()).Int("attempt", attempt).Msg("notification attempt failed")
		if attempt == d.cfg.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

// Nop discards events after logging them at debug level.
type Nop struct {
	Logger zerolog.Logger
}

// Emit implements Notifier.
func (n Nop) Emit(ev Event) {
	n.Logger.Debug().Str("type", string(ev.Type)).Msg("notification discarded")
}
