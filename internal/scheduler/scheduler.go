// Package scheduler runs the polling jobs on one cron runner. Jobs never
// overlap: every run takes the same mutex.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"spotkeeper/internal/monitor"
	"spotkeeper/pkg/logger"
)

// Names of the polling jobs.
const (
	JobStopLoss        = "stoploss"
	JobProtectionCheck = "protection_check"
	JobEntry           = "entry"
	JobReconcile       = "reconcile"
	JobStreamRefresh   = "stream_refresh"
)

// Job is one polling pass.
type Job func(ctx context.Context) error

var (
	ErrDuplicateJob = errors.New("job already registered")
	ErrUnknownJob   = errors.New("unknown job")
)

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// JobStatus describes a registered job.
type JobStatus struct {
	Name         string        `json:"name"`
	Spec         string        `json:"spec"`
	Runs         int64         `json:"runs"`
	LastRun      time.Time     `json:"last_run,omitempty"`
	LastDuration time.Duration `json:"last_duration"`
	LastError    string        `json:"last_error,omitempty"`
	Next         time.Time     `json:"next,omitempty"`
}

type job struct {
	name    string
	spec    string
	run     Job
	entryID cron.EntryID

	runs    int64
	lastRun time.Time
	lastDur time.Duration
	lastErr error
}

// Runner owns the cron instance.
type Runner struct {
	cron    *cron.Cron
	metrics *monitor.Metrics
	log     zerolog.Logger

	// run serializes job executions
	run sync.Mutex

	mu   sync.Mutex
	ctx  context.Context
	jobs map[string]*job
}

// New creates a Runner.
func New(metrics *monitor.Metrics, log zerolog.Logger) *Runner {
	log = logger.Component(log, "scheduler")
	return &Runner{
		cron:    cron.New(cron.WithParser(parser), cron.WithLogger(cronLogger{log: log})),
		metrics: metrics,
		log:     log,
		ctx:     context.Background(),
		jobs:    make(map[string]*job),
	}
}

// Add registers job under name on the cron spec (standard five fields,
// optional seconds, or descriptors like "@every 30s").
func (r *Runner) Add(name, spec string, fn Job) error {
	schedule, err := parser.Parse(spec)
	if err != nil {
		return fmt.Errorf("job %s: invalid schedule %q: %w", name, spec, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, name)
	}
	j := &job{name: name, spec: spec, run: fn}
	j.entryID = r.cron.Schedule(schedule, cron.FuncJob(func() {
		r.mu.Lock()
		ctx := r.ctx
		r.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		_ = r.execute(ctx, j)
	}))
	r.jobs[name] = j
	return nil
}

// Start begins firing jobs. Runs receive ctx; once it is done no new run
// starts.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	r.ctx = ctx
	r.mu.Unlock()
	r.cron.Start()
	r.log.Info().Int("jobs", len(r.Statuses())).Msg("scheduler started")
}

// Stop halts the cron and waits for a running job to return.
func (r *Runner) Stop() {
	<-r.cron.Stop().Done()
	r.log.Info().Msg("scheduler stopped")
}

// Run executes the named job now, still serialized with scheduled runs.
func (r *Runner) Run(ctx context.Context, name string) error {
	r.mu.Lock()
	j, ok := r.jobs[name]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return r.execute(ctx, j)
}

func (r *Runner) execute(ctx context.Context, j *job) error {
	r.run.Lock()
	defer r.run.Unlock()

	started := time.Now()
	err := r.safeRun(ctx, j)
	d := time.Since(started)
	r.metrics.ObserveJob(j.name, d, err)

	r.mu.Lock()
	j.runs++
	j.lastRun, j.lastDur, j.lastErr = started, d, err
	r.mu.Unlock()

	if err != nil {
		r.log.Error().Err(err).Str("job", j.name).Dur("duration", d).Msg("job failed")
	} else {
		r.log.Debug().Str("job", j.name).Dur("duration", d).Msg("job finished")
	}
	return err
}

func (r *Runner) safeRun(ctx context.Context, j *job) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("job %s panicked: %v", j.name, p)
		}
	}()
	return j.run(ctx)
}

// Statuses returns every registered job sorted by name.
func (r *Runner) Statuses() []JobStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]JobStatus, 0, len(r.jobs))
	for _, j := range r.jobs {
		st := JobStatus{
			Name:         j.name,
			Spec:         j.spec,
			Runs:         j.runs,
			LastRun:      j.lastRun,
			LastDuration: j.lastDur,
			Next:         r.cron.Entry(j.entryID).Next,
		}
		if j.lastErr != nil {
			st.LastError = j.lastErr.Error()
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// cronLogger routes cron's own messages to zerolog.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
