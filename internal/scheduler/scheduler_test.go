package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"spotkeeper/internal/monitor"
)

func TestAddRejectsBadSpec(t *testing.T) {
	r := New(nil, zerolog.Nop())
	if err := r.Add(JobEntry, "every minute", func(context.Context) error { return nil }); err == nil {
		t.Fatal("expected invalid schedule error")
	}
	for _, spec := range []string{"@every 30s", "*/5 * * * *", "0 */2 * * * *"} {
		name := "job " + spec
		if err := r.Add(name, spec, func(context.Context) error { return nil }); err != nil {
			t.Fatalf("Add(%q): %v", spec, err)
		}
	}
	err := r.Add("job @every 30s", "@every 1m", func(context.Context) error { return nil })
	if !errors.Is(err, ErrDuplicateJob) {
		t.Fatalf("err=%v, expected ErrDuplicateJob", err)
	}
}

func TestRunRecordsMetricsAndStatus(t *testing.T) {
	metrics := monitor.New(nil)
	r := New(metrics, zerolog.Nop())
	boom := errors.New("boom")
	calls := 0
	_ = r.Add(JobReconcile, "@every 5m", func(context.Context) error {
		calls++
		if calls == 2 {
			return boom
		}
		return nil
	})

	if err := r.Run(context.Background(), JobReconcile); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if err := r.Run(context.Background(), JobReconcile); !errors.Is(err, boom) {
		t.Fatalf("second run err=%v, expected boom", err)
	}
	if err := r.Run(context.Background(), "nope"); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("err=%v, expected ErrUnknownJob", err)
	}

	if got := testutil.ToFloat64(metrics.JobRuns.WithLabelValues(JobReconcile, monitor.ResultOK)); got != 1 {
		t.Fatalf("ok runs=%v, expected 1", got)
	}
	if got := testutil.ToFloat64(metrics.JobRuns.WithLabelValues(JobReconcile, monitor.ResultError)); got != 1 {
		t.Fatalf("error runs=%v, expected 1", got)
	}
	st := r.Statuses()
	if len(st) != 1 || st[0].Runs != 2 || st[0].LastError != "boom" || st[0].LastRun.IsZero() {
		t.Fatalf("unexpected statuses %+v", st)
	}
}

func TestRunRecoversPanic(t *testing.T) {
	r := New(nil, zerolog.Nop())
	_ = r.Add(JobStopLoss, "@every 30s", func(context.Context) error { panic("nil map") })
	if err := r.Run(context.Background(), JobStopLoss); err == nil {
		t.Fatal("expected panic to surface as error")
	}
}

func TestJobsNeverOverlap(t *testing.T) {
	r := New(nil, zerolog.Nop())
	var inFlight, maxInFlight int32
	job := func(context.Context) error {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			m := atomic.LoadInt32(&maxInFlight)
			if n <= m || atomic.CompareAndSwapInt32(&maxInFlight, m, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return nil
	}
	_ = r.Add(JobStopLoss, "@every 30s", job)
	_ = r.Add(JobEntry, "@every 1m", job)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		name := JobStopLoss
		if i%2 == 1 {
			name = JobEntry
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.Run(context.Background(), name)
		}()
	}
	wg.Wait()
	if maxInFlight != 1 {
		t.Fatalf("max concurrent jobs=%d, expected 1", maxInFlight)
	}
}

func TestStartFiresJobs(t *testing.T) {
	r := New(nil, zerolog.Nop())
	fired := make(chan struct{}, 1)
	_ = r.Add(JobProtectionCheck, "@every 1s", func(context.Context) error {
		select {
		case fired <- struct{}{}:
		default:
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	defer r.Stop()

	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatal("job did not fire")
	}
	if st := r.Statuses(); st[0].Next.IsZero() {
		t.Fatalf("next run not scheduled: %+v", st)
	}
}
