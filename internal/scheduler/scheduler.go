// Package scheduler drives recurring and event-triggered brief submission on
// top of the orchestrator's decompose/execute pipeline: a cron engine and an
// event-trigger table, both resolving to a fresh Submit on every firing, with
// optional BoltDB persistence so schedules survive a restart.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var bucketSchedules = []byte("schedules")

// Submitter is the orchestrator entry point a schedule firing calls; kept as
// a narrow function type rather than importing internal/orchestrator to
// avoid a cycle (orchestrator owns the scheduler, not vice versa).
type Submitter func(ctx context.Context, brief string, priority int) (workflowID string, err error)

// ScheduleConfig defines when and what to resubmit.
type ScheduleConfig struct {
	Name          string            `json:"name"`
	Brief         string            `json:"brief"`
	CronExpr      string            `json:"cron_expr,omitempty"`  // e.g. "0 */5 * * * *"
	EventType     string            `json:"event_type,omitempty"` // e.g. "ingest.batch_ready"
	EventFilter   map[string]any    `json:"event_filter,omitempty"`
	Priority      int               `json:"priority"`
	Enabled       bool              `json:"enabled"`
	MaxConcurrent int               `json:"max_concurrent,omitempty"`
	Timeout       time.Duration     `json:"timeout,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// eventHandler fans an event type out to every schedule registered against
// it, tracking in-flight count for MaxConcurrent.
type eventHandler struct {
	schedules   []*ScheduleConfig
	running     int
	mu          sync.Mutex
	lastTrigger time.Time
}

// Scheduler owns a cron engine plus an event-trigger table, both resolving
// to calls against a Submitter.
type Scheduler struct {
	cron      *cron.Cron
	submit    Submitter
	db        *bbolt.DB // optional; nil disables persistence
	entryIDs  map[string]cron.EntryID
	handlers  map[string]*eventHandler
	mu        sync.RWMutex
	tracer    trace.Tracer

	runs   metric.Int64Counter
	fails  metric.Int64Counter
	events metric.Int64Counter
}

// New constructs a Scheduler. db may be nil, in which case schedules are
// in-memory only and do not survive a restart.
func New(submit Submitter, db *bbolt.DB, meter metric.Meter) (*Scheduler, error) {
	if db != nil {
		if err := db.Update(func(tx *bbolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists(bucketSchedules)
			return err
		}); err != nil {
			return nil, fmt.Errorf("init schedules bucket: %w", err)
		}
	}

	s := &Scheduler{
		cron:     cron.New(cron.WithSeconds()),
		submit:   submit,
		db:       db,
		entryIDs: make(map[string]cron.EntryID),
		handlers: make(map[string]*eventHandler),
		tracer:   otel.Tracer("agent-orchestrator-scheduler"),
	}
	if meter != nil {
		s.runs, _ = meter.Int64Counter("orch_scheduler_runs_total")
		s.fails, _ = meter.Int64Counter("orch_scheduler_failures_total")
		s.events, _ = meter.Int64Counter("orch_scheduler_event_triggers_total")
	}
	return s, nil
}

// Start begins firing cron entries.
func (s *Scheduler) Start() {
	s.cron.Start()
	slog.Info("scheduler started")
}

// Stop drains in-flight cron jobs (not in-flight submissions) within ctx's
// deadline.
func (s *Scheduler) Stop(ctx context.Context) error {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
		slog.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		slog.Warn("scheduler stop timed out")
		return ctx.Err()
	}
}

// AddSchedule registers a cron or event-driven schedule, persisting it if a
// store is configured so RestoreSchedules can bring it back after a
// restart.
func (s *Scheduler) AddSchedule(ctx context.Context, cfg *ScheduleConfig) error {
	_, span := s.tracer.Start(ctx, "scheduler.add_schedule",
		trace.WithAttributes(attribute.String("name", cfg.Name), attribute.String("cron", cfg.CronExpr)))
	defer span.End()

	switch {
	case cfg.CronExpr != "":
		entryID, err := s.cron.AddFunc(cfg.CronExpr, func() { s.fire(context.Background(), cfg) })
		if err != nil {
			return fmt.Errorf("add cron schedule: %w", err)
		}
		s.mu.Lock()
		s.entryIDs[cfg.Name] = entryID
		s.mu.Unlock()
		slog.Info("cron schedule added", "name", cfg.Name, "cron", cfg.CronExpr)
	case cfg.EventType != "":
		s.registerEventHandler(cfg)
		slog.Info("event schedule added", "name", cfg.Name, "event_type", cfg.EventType)
	default:
		return fmt.Errorf("InvalidSchedule: either cron_expr or event_type is required")
	}

	return s.persist(cfg)
}

// RemoveSchedule unregisters a schedule by name, removing its cron entry
// (if any), any event-handler registrations, and its persisted record.
func (s *Scheduler) RemoveSchedule(name string) error {
	s.mu.Lock()
	if id, ok := s.entryIDs[name]; ok {
		s.cron.Remove(id)
		delete(s.entryIDs, name)
	}
	for eventType, h := range s.handlers {
		kept := h.schedules[:0]
		for _, c := range h.schedules {
			if c.Name != name {
				kept = append(kept, c)
			}
		}
		h.schedules = kept
		if len(h.schedules) == 0 {
			delete(s.handlers, eventType)
		}
	}
	s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSchedules).Delete([]byte(name))
	})
}

// ListSchedules returns every persisted schedule (empty if no store is
// configured).
func (s *Scheduler) ListSchedules() ([]*ScheduleConfig, error) {
	out := make([]*ScheduleConfig, 0)
	if s.db == nil {
		return out, nil
	}
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketSchedules)
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			var cfg ScheduleConfig
			if err := json.Unmarshal(v, &cfg); err != nil {
				return nil
			}
			out = append(out, &cfg)
			return nil
		})
	})
	return out, err
}

// RestoreSchedules re-registers every enabled persisted schedule, used on
// process startup.
func (s *Scheduler) RestoreSchedules(ctx context.Context) error {
	schedules, err := s.ListSchedules()
	if err != nil {
		return fmt.Errorf("list schedules: %w", err)
	}
	restored, failed := 0, 0
	for _, cfg := range schedules {
		if !cfg.Enabled {
			continue
		}
		if err := s.AddSchedule(ctx, cfg); err != nil {
			slog.Error("restore schedule failed", "name", cfg.Name, "error", err)
			failed++
			continue
		}
		restored++
	}
	slog.Info("schedules restored", "restored", restored, "failed", failed)
	return nil
}

// TriggerEvent fans an externally observed event out to every enabled
// schedule registered for eventType whose filter matches, subject to each
// schedule's MaxConcurrent.
func (s *Scheduler) TriggerEvent(ctx context.Context, eventType string, data map[string]any) {
	ctx, span := s.tracer.Start(ctx, "scheduler.trigger_event", trace.WithAttributes(attribute.String("event_type", eventType)))
	defer span.End()

	s.mu.RLock()
	h, ok := s.handlers[eventType]
	s.mu.RUnlock()
	if !ok {
		return
	}
	if s.events != nil {
		s.events.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
	}

	for _, cfg := range h.schedules {
		if !cfg.Enabled || !matchesFilter(data, cfg.EventFilter) {
			continue
		}
		h.mu.Lock()
		if cfg.MaxConcurrent > 0 && h.running >= cfg.MaxConcurrent {
			h.mu.Unlock()
			slog.Warn("schedule at max concurrency", "name", cfg.Name, "max", cfg.MaxConcurrent)
			continue
		}
		h.running++
		h.lastTrigger = time.Now()
		h.mu.Unlock()

		go func(cfg *ScheduleConfig) {
			defer func() {
				h.mu.Lock()
				h.running--
				h.mu.Unlock()
			}()
			fireCtx := context.Background()
			if cfg.Timeout > 0 {
				var cancel context.CancelFunc
				fireCtx, cancel = context.WithTimeout(fireCtx, cfg.Timeout)
				defer cancel()
			}
			s.fire(fireCtx, cfg)
		}(cfg)
	}
}

func (s *Scheduler) fire(ctx context.Context, cfg *ScheduleConfig) {
	ctx, span := s.tracer.Start(ctx, "scheduler.fire", trace.WithAttributes(attribute.String("name", cfg.Name)))
	defer span.End()

	start := time.Now()
	workflowID, err := s.submit(ctx, cfg.Brief, cfg.Priority)
	if err != nil {
		slog.Error("scheduled submission failed", "name", cfg.Name, "error", err, "duration_ms", time.Since(start).Milliseconds())
		if s.fails != nil {
			s.fails.Add(ctx, 1, metric.WithAttributes(attribute.String("name", cfg.Name)))
		}
		return
	}
	if s.runs != nil {
		s.runs.Add(ctx, 1, metric.WithAttributes(attribute.String("name", cfg.Name), attribute.String("status", "submitted")))
	}
	slog.Info("scheduled brief submitted", "name", cfg.Name, "workflow_id", workflowID, "duration_ms", time.Since(start).Milliseconds())
}

func (s *Scheduler) registerEventHandler(cfg *ScheduleConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handlers[cfg.EventType]
	if !ok {
		h = &eventHandler{schedules: make([]*ScheduleConfig, 0)}
		s.handlers[cfg.EventType] = h
	}
	h.schedules = append(h.schedules, cfg)
}

func (s *Scheduler) persist(cfg *ScheduleConfig) error {
	if s.db == nil {
		return nil
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal schedule: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSchedules).Put([]byte(cfg.Name), data)
	})
}

func matchesFilter(data, filter map[string]any) bool {
	if len(filter) == 0 {
		return true
	}
	for k, want := range filter {
		got, ok := data[k]
		if !ok || fmt.Sprintf("%v", got) != fmt.Sprintf("%v", want) {
			return false
		}
	}
	return true
}

// Stats summarizes the scheduler's current load, exposed on the
// orchestrator's status surface.
type Stats struct {
	CronEntries    int
	EventHandlers  int
	TotalSchedules int
}

// Stats returns a snapshot of cron entry and event handler counts.
func (s *Scheduler) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := len(s.cron.Entries())
	for _, h := range s.handlers {
		h.mu.Lock()
		total += len(h.schedules)
		h.mu.Unlock()
	}
	return Stats{
		CronEntries:    len(s.cron.Entries()),
		EventHandlers:  len(s.handlers),
		TotalSchedules: total,
	}
}
