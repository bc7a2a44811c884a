package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"

	"metaupgrade/internal/ledger"
	"metaupgrade/internal/store"
	"metaupgrade/pkg/record"
	"metaupgrade/pkg/upgrade"
)

// ModifiedField is the record field compared against the ledger to detect
// source changes.
const ModifiedField = "last_modified"

// Summary tallies a store-driven run.
type Summary struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	// ByEntity counts outcomes per entity kind.
	ByEntity map[string]map[string]int `json:"by_entity"`
}

func (s *Summary) add(rep upgrade.Report) {
	s.Total++
	if rep.OK() {
		s.Succeeded++
	} else {
		s.Failed++
	}
	if s.ByEntity == nil {
		s.ByEntity = make(map[string]map[string]int)
	}
	entity := rep.Entity
	if entity == "" {
		entity = "unknown"
	}
	if s.ByEntity[entity] == nil {
		s.ByEntity[entity] = make(map[string]int)
	}
	s.ByEntity[entity][rep.Outcome()]++
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithLedger enables skip detection and outcome bookkeeping.
func WithLedger(l ledger.Ledger) RunnerOption {
	return func(r *Runner) { r.ledger = l }
}

// WithRateLimit caps store calls per second. A non-positive rps disables
// limiting.
func WithRateLimit(rps float64, burst int) RunnerOption {
	return func(r *Runner) {
		if rps <= 0 {
			r.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithRetry sets the attempt budget and exponential backoff bounds for
// store calls.
func WithRetry(maxTries uint, initial, maxInterval time.Duration) RunnerOption {
	return func(r *Runner) {
		if maxTries > 0 {
			r.maxTries = maxTries
		}
		if initial > 0 {
			r.initial = initial
		}
		if maxInterval > 0 {
			r.maxInterval = maxInterval
		}
	}
}

// WithUpgraderVersion overrides the version stamp written to the ledger.
func WithUpgraderVersion(v string) RunnerOption {
	return func(r *Runner) {
		if v != "" {
			r.upgraderVersion = v
		}
	}
}

// WithRunnerLogger sets the structured logger.
func WithRunnerLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) {
		if l != nil {
			r.log = l
		}
	}
}

// Runner moves records from a source store through the orchestrator into a
// sink store.
type Runner struct {
	orch            *Orchestrator
	source          store.Store
	sink            store.Store
	ledger          ledger.Ledger
	limiter         *rate.Limiter
	maxTries        uint
	initial         time.Duration
	maxInterval     time.Duration
	upgraderVersion string
	log             *slog.Logger
}

// NewRunner wires a runner. Source and sink may be the same store.
func NewRunner(orch *Orchestrator, source, sink store.Store, opts ...RunnerOption) (*Runner, error) {
	if orch == nil || source == nil || sink == nil {
		return nil, errors.New("runner: orchestrator, source and sink are required")
	}
	r := &Runner{
		orch:            orch,
		source:          source,
		sink:            sink,
		maxTries:        5,
		initial:         100 * time.Millisecond,
		maxInterval:     5 * time.Second,
		upgraderVersion: UpgraderVersion(orch.Registry()),
		log:             slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// UpgraderVersion stamps the set of current versions the registry upgrades
// to, so a registry change invalidates earlier ledger entries.
func UpgraderVersion(reg *upgrade.Registry) string {
	parts := make([]string, 0)
	for _, kind := range reg.Kinds() {
		v, _ := reg.CurrentVersion(kind)
		parts = append(parts, kind+"@"+v.String())
	}
	return strings.Join(parts, ",")
}

// RunOne upgrades the source record stored under id. skipped is true when the
// ledger shows the record is already current.
func (r *Runner) RunOne(ctx context.Context, id string) (rep upgrade.Report, skipped bool) {
	rec, err := r.fetch(ctx, id)
	job := Job{ID: id, Record: rec, Err: err}
	if err == nil && r.skip(ctx, job) {
		return upgrade.Report{ID: id}, true
	}
	if err != nil {
		rep = upgrade.Report{Failure: &upgrade.Failure{Kind: upgrade.KindStore, Err: err}}
	} else {
		rep = r.orch.UpgradeOne(ctx, rec)
	}
	rep.ID = id
	r.finish(ctx, job, &rep)
	return rep, false
}

func (r *Runner) fetch(ctx context.Context, id string) (record.Record, error) {
	return retry(ctx, r, "fetch", id, func() (record.Record, error) {
		return r.source.Fetch(ctx, id)
	})
}

// errStopped ends a scan whose consumer stopped reading.
var errStopped = errors.New("scan stopped")

// RunAll streams every source record through the orchestrator. each, when
// non-nil, receives every report in source order. A document the source
// cannot read becomes a StoreError report and the run continues. The
// returned error is non-nil when ctx ended or the source cursor kept failing
// after retries.
func (r *Runner) RunAll(ctx context.Context, each func(upgrade.Report)) (Summary, error) {
	var sum Summary
	var skipped atomic.Int64
	var sourceErr error
	jobs := func(yield func(Job) bool) {
		last := ""
		for {
			done, err := retry(ctx, r, "fetch all", last, func() (bool, error) {
				return r.scan(ctx, &last, &skipped, yield)
			})
			if errors.Is(err, errStopped) {
				return
			}
			if err != nil {
				sourceErr = err
				yield(Job{Err: err})
				return
			}
			if done {
				return
			}
			r.log.Warn("source cursor failed, resuming", "after", last)
		}
	}
	for rep := range r.orch.Process(ctx, jobs, r.finish) {
		sum.add(rep)
		if each != nil {
			each(rep)
		}
	}
	sum.Skipped = int(skipped.Load())
	sum.Total += sum.Skipped
	r.log.Info("run complete", "total", sum.Total, "succeeded", sum.Succeeded, "failed", sum.Failed, "skipped", sum.Skipped)
	if err := ctx.Err(); err != nil {
		return sum, err
	}
	if sourceErr != nil {
		return sum, fmt.Errorf("read source: %w", sourceErr)
	}
	return sum, nil
}

// scan yields jobs for the documents after *last and advances *last. It
// reports done when the source is exhausted. A cursor failure after at least
// one document returns (false, nil) so the caller resumes with a fresh retry
// budget; a failure before any progress is returned for retry.
func (r *Runner) scan(ctx context.Context, last *string, skipped *atomic.Int64, yield func(Job) bool) (bool, error) {
	progressed := false
	for doc, err := range r.source.FetchAll(ctx, *last) {
		if err != nil && doc.ID == "" {
			if progressed && !store.Permanent(err) {
				r.log.Warn("source cursor failed", "after", *last, "error", err)
				return false, nil
			}
			return false, err
		}
		progressed = true
		*last = doc.ID
		if r.limiter != nil {
			if werr := r.limiter.Wait(ctx); werr != nil {
				return false, backoff.Permanent(werr)
			}
		}
		job := Job{ID: doc.ID, Record: doc.Record, Err: err}
		if err != nil && !store.Permanent(err) {
			job.Record, job.Err = r.fetch(ctx, doc.ID)
		}
		if job.Err == nil && r.skip(ctx, job) {
			skipped.Add(1)
			continue
		}
		if !yield(job) {
			return false, backoff.Permanent(errStopped)
		}
	}
	return true, nil
}

func (r *Runner) skip(ctx context.Context, job Job) bool {
	if r.ledger == nil {
		return false
	}
	prev, err := r.ledger.Get(ctx, job.ID)
	if err != nil {
		if !errors.Is(err, ledger.ErrNotFound) {
			r.log.Warn("ledger lookup failed", "id", job.ID, "error", err)
		}
		return false
	}
	modified, _ := job.Record.String(ModifiedField)
	return ledger.ShouldSkip(prev, r.upgraderVersion, modified)
}

// finish writes a successful upgrade to the sink and records the outcome in
// the ledger. A sink write that still fails after retries turns the report
// into a store failure.
func (r *Runner) finish(ctx context.Context, job Job, rep *upgrade.Report) {
	if rep.OK() {
		_, err := retry(ctx, r, "upsert", job.ID, func() (struct{}, error) {
			return struct{}{}, r.sink.Upsert(ctx, job.ID, rep.Record)
		})
		if err != nil {
			rep.Record = nil
			rep.Failure = &upgrade.Failure{Kind: upgrade.KindStore, Entity: rep.Entity, Version: rep.From, Err: err}
		}
	}
	if r.ledger == nil || job.ID == "" || errors.Is(job.Err, context.Canceled) {
		return
	}
	modified, _ := job.Record.String(ModifiedField)
	e := ledger.Entry{
		RecordID:        job.ID,
		UpgraderVersion: r.upgraderVersion,
		SourceModified:  modified,
		Status:          ledger.StatusSuccess,
		Entity:          rep.Entity,
	}
	if rep.OK() {
		e.TargetID = job.ID
	} else {
		e.Status = ledger.StatusFailure
		e.FailureKind = string(rep.Failure.Kind)
	}
	if err := r.ledger.Put(ctx, e); err != nil {
		r.log.Warn("ledger write failed", "id", job.ID, "error", err)
	}
}

// retry runs op under the rate limiter with exponential backoff. Permanent
// store errors and context errors end the loop immediately.
func retry[T any](ctx context.Context, r *Runner, op, id string, fn func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.initial
	b.MaxInterval = r.maxInterval
	return backoff.Retry(ctx, func() (T, error) {
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				var zero T
				return zero, backoff.Permanent(err)
			}
		}
		v, err := fn()
		if err != nil && store.Permanent(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(r.maxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			r.log.Warn("store call failed, retrying", "op", op, "id", id, "retry_in", next, "error", err)
		}),
	)
}
