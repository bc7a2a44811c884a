// Package orchestrator drives records through the upgrade registry: single
// records synchronously, record streams through a bounded worker pool that
// reports in input order.
package orchestrator

import (
	"context"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"metaupgrade/pkg/record"
	"metaupgrade/pkg/upgrade"
)

// Validator checks an upgraded record against the current schema of kind.
// An empty result means the record is valid.
type Validator interface {
	Validate(rec record.Record, kind string) []upgrade.Violation
}

// MetricsRecorder observes the outcome of each record upgrade.
type MetricsRecorder interface {
	Observe(ctx context.Context, entity, outcome string, duration time.Duration)
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the structured logger. The default discards output.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.log = l
		}
	}
}

// WithWorkers bounds the number of records upgraded concurrently.
func WithWorkers(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithWindow bounds how many records may be in flight or waiting for an
// earlier record before UpgradeMany stops pulling input.
func WithWindow(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.window = n
		}
	}
}

// WithMetrics installs a metrics recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithClock overrides the clock used for durations.
func WithClock(c Clock) Option {
	return func(o *Orchestrator) {
		if c != nil {
			o.clock = c
		}
	}
}

// Orchestrator is the entry point for upgrading records. It holds only
// immutable configuration and is safe for concurrent use.
type Orchestrator struct {
	registry  *upgrade.Registry
	resolver  upgrade.Resolver
	validator Validator
	log       *slog.Logger
	metrics   MetricsRecorder
	clock     Clock
	workers   int
	window    int
}

// New builds an orchestrator. A nil validator skips post-upgrade validation.
func New(registry *upgrade.Registry, resolver upgrade.Resolver, validator Validator, opts ...Option) (*Orchestrator, error) {
	if registry == nil {
		return nil, fmt.Errorf("orchestrator: registry is required")
	}
	if resolver == nil {
		return nil, fmt.Errorf("orchestrator: resolver is required")
	}
	o := &Orchestrator{
		registry:  registry,
		resolver:  resolver,
		validator: validator,
		log:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		clock:     systemClock{},
		workers:   4,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.window == 0 {
		o.window = 4 * o.workers
	}
	return o, nil
}

// Registry returns the registry the orchestrator dispatches through.
func (o *Orchestrator) Registry() *upgrade.Registry { return o.registry }

// UpgradeOne resolves the entity kind of rec, upgrades it and validates the
// result. Failures, including panics inside rules, are returned in the
// report rather than raised. rec is never modified.
func (o *Orchestrator) UpgradeOne(ctx context.Context, rec record.Record) (rep upgrade.Report) {
	start := o.clock.Now()
	defer func() {
		if p := recover(); p != nil {
			o.log.Error("upgrade panicked", "entity", rep.Entity, "panic", p, "stack", string(debug.Stack()))
			rep.Record = nil
			rep.Applied = nil
			rep.Failure = &upgrade.Failure{Kind: upgrade.KindInternal, Entity: rep.Entity, Detail: fmt.Sprint(p)}
		}
		if o.metrics != nil {
			o.metrics.Observe(ctx, rep.Entity, rep.Outcome(), o.clock.Now().Sub(start))
		}
	}()

	kind, ok := o.resolver.Resolve(rec)
	if !ok {
		rep.Failure = &upgrade.Failure{Kind: upgrade.KindUnrecognizedEntity, Detail: "no entity kind could be determined"}
		return rep
	}
	rep.Entity = kind
	u, ok := o.registry.Lookup(kind)
	if !ok {
		rep.Failure = &upgrade.Failure{Kind: upgrade.KindUnrecognizedEntity, Entity: kind, Detail: "no upgrader registered"}
		return rep
	}
	out, err := u.Upgrade(rec)
	if err != nil {
		f, ok := upgrade.AsFailure(err)
		if !ok {
			f = &upgrade.Failure{Kind: upgrade.KindInternal, Entity: kind, Err: err}
		}
		rep.Failure = f
		rep.From = f.Version
		return rep
	}
	rep.From = out.From.String()
	rep.To = out.To.String()
	rep.Applied = out.Applied
	if o.validator != nil {
		if vs := o.validator.Validate(out.Record, kind); len(vs) > 0 {
			rep.Failure = &upgrade.Failure{
				Kind:       upgrade.KindValidation,
				Entity:     kind,
				Version:    rep.From,
				Violations: vs,
			}
			return rep
		}
	}
	rep.Record = out.Record
	return rep
}

// Job is one unit of batch work. A job carrying Err failed before it reached
// the engine, typically while being read from a store, and is reported as a
// store failure.
type Job struct {
	ID     string
	Record record.Record
	Err    error
}

// FinishFunc runs on the worker after a job's report is built and before it
// is emitted. It may rewrite the report, for example to record a failed
// write of the upgraded record.
type FinishFunc func(ctx context.Context, job Job, rep *upgrade.Report)

// UpgradeMany upgrades recs concurrently and yields one report per record in
// input order. A failing record never stops the others. Breaking out of the
// loop cancels outstanding work.
func (o *Orchestrator) UpgradeMany(ctx context.Context, recs iter.Seq[record.Record]) iter.Seq[upgrade.Report] {
	jobs := func(yield func(Job) bool) {
		for rec := range recs {
			if !yield(Job{Record: rec}) {
				return
			}
		}
	}
	return o.Process(ctx, jobs, nil)
}

// Process is UpgradeMany over jobs, with an optional finish hook executed on
// the worker pool.
func (o *Orchestrator) Process(ctx context.Context, jobs iter.Seq[Job], finish FinishFunc) iter.Seq[upgrade.Report] {
	return func(yield func(upgrade.Report) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		// slots bounds reports that are in flight or parked in pending.
		slots := make(chan struct{}, o.window)
		done := make(chan upgrade.Report, o.window)

		go func() {
			var g errgroup.Group
			g.SetLimit(o.workers)
			defer func() {
				_ = g.Wait()
				close(done)
			}()
			idx := 0
			for job := range jobs {
				// select picks randomly when a slot and cancellation are both
				// ready; checking first stops pulling as soon as the consumer quits.
				if ctx.Err() != nil {
					return
				}
				select {
				case slots <- struct{}{}:
				case <-ctx.Done():
					return
				}
				if ctx.Err() != nil {
					return
				}
				i := idx
				idx++
				g.Go(func() error {
					rep := o.runJob(ctx, i, job, finish)
					select {
					case done <- rep:
					case <-ctx.Done():
					}
					return nil
				})
			}
		}()

		pending := make(map[int]upgrade.Report)
		next := 0
		for rep := range done {
			pending[rep.Index] = rep
			for {
				r, ok := pending[next]
				if !ok {
					break
				}
				delete(pending, next)
				next++
				<-slots
				if !yield(r) {
					cancel()
					for range done {
					}
					return
				}
			}
		}
	}
}

func (o *Orchestrator) runJob(ctx context.Context, idx int, job Job, finish FinishFunc) (rep upgrade.Report) {
	defer func() {
		if p := recover(); p != nil {
			o.log.Error("batch job panicked", "index", idx, "id", job.ID, "panic", p)
			rep = upgrade.Report{
				Index:   idx,
				ID:      job.ID,
				Entity:  rep.Entity,
				Failure: &upgrade.Failure{Kind: upgrade.KindInternal, Entity: rep.Entity, Detail: fmt.Sprint(p)},
			}
		}
	}()
	if job.Err != nil {
		rep = upgrade.Report{Failure: &upgrade.Failure{Kind: upgrade.KindStore, Err: job.Err}}
	} else {
		rep = o.UpgradeOne(ctx, job.Record)
	}
	rep.Index = idx
	rep.ID = job.ID
	if finish != nil {
		finish(ctx, job, &rep)
	}
	if !rep.OK() {
		o.log.Debug("record not upgraded", "index", idx, "id", job.ID, "entity", rep.Entity, "kind", rep.Failure.Kind, "error", rep.Failure.Error())
	}
	return rep
}
