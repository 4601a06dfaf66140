// package jobs executes named background jobs on a timer with at-most-one
// concurrent execution per job name and per-run bookkeeping.
package jobs

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kilnworks/autopilot/internal/audit"
	"github.com/kilnworks/autopilot/internal/models"
	"github.com/kilnworks/autopilot/internal/store"
)

// Job is a named unit of background work.
type Job interface {
	Name() string
	Run(ctx context.Context) (summary string, err error)
}

// Stats is the in-memory rollup per job name, derived from runs and reset on
// process restart.
type Stats struct {
	Running      bool          `json:"running"`
	Succeeded    int           `json:"succeeded"`
	Failed       int           `json:"failed"`
	Skipped      int           `json:"skipped"`
	LastDuration time.Duration `json:"lastDurationNs"`
	LastError    string        `json:"lastError,omitempty"`
	LastRunAt    time.Time     `json:"lastRunAt"`
}

// Runner owns the job table and execution stats. State is held by this
// instance and passed by reference; nothing is ambient.
type Runner struct {
	store  store.Store
	audit  audit.Store
	logger *log.Logger

	mu      sync.Mutex
	jobs    map[string]Job
	manual  map[string]bool
	running map[string]bool
	stats   map[string]*Stats
}

func NewRunner(st store.Store, auditStore audit.Store, logger *log.Logger) *Runner {
	if logger == nil {
		logger = log.New(os.Stdout, "[jobs] ", log.LstdFlags)
	}
	return &Runner{
		store:   st,
		audit:   auditStore,
		logger:  logger,
		jobs:    map[string]Job{},
		manual:  map[string]bool{},
		running: map[string]bool{},
		stats:   map[string]*Stats{},
	}
}

// Register adds a job. Duplicate names are a boot-time error.
func (r *Runner) Register(job Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := job.Name()
	if _, exists := r.jobs[name]; exists {
		return fmt.Errorf("job %q already registered", name)
	}
	r.jobs[name] = job
	r.stats[name] = &Stats{}
	return nil
}

// RegisterManual adds a job that only runs on explicit request; the scheduler
// never fires it.
func (r *Runner) RegisterManual(job Job) error {
	if err := r.Register(job); err != nil {
		return err
	}
	r.mu.Lock()
	r.manual[job.Name()] = true
	r.mu.Unlock()
	return nil
}

// Names lists the job names the scheduler may fire. Manual-only jobs are
// excluded.
func (r *Runner) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.jobs))
	for name := range r.jobs {
		if !r.manual[name] {
			names = append(names, name)
		}
	}
	return names
}

// Run executes the named job unless it is already running in this process, in
// which case the call is a no-op that records a skipped stat and an
// already_running audit event. Failures are recorded and then returned so the
// scheduler can log them; they never crash the loop.
func (r *Runner) Run(ctx context.Context, name string) error {
	r.mu.Lock()
	job, ok := r.jobs[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("unknown job %q", name)
	}
	if r.running[name] {
		st := r.stats[name]
		st.Skipped++
		r.mu.Unlock()
		r.appendAudit(ctx, name, audit.ApprovalStateSkipped, "already_running")
		return nil
	}
	r.running[name] = true
	r.stats[name].Running = true
	r.mu.Unlock()

	runID := uuid.New().String()
	started := time.Now().UTC()
	if err := r.store.StartJobRun(ctx, models.JobRun{
		ID:        runID,
		JobName:   name,
		Status:    models.JobStatusRunning,
		StartedAt: started,
	}); err != nil {
		// Persistence trouble should not wedge the running flag.
		r.finish(name, started, err)
		return fmt.Errorf("start job run: %w", err)
	}

	summary, runErr := job.Run(ctx)
	duration := time.Since(started)

	status := models.JobStatusSucceeded
	if runErr != nil {
		status = models.JobStatusFailed
		summary = runErr.Error()
	}
	if err := r.store.FinishJobRun(ctx, runID, status, summary); err != nil {
		r.logger.Printf("finish job run %s (%s): %v", name, runID, err)
	}
	r.finish(name, started, runErr)
	r.appendAudit(ctx, name, status, summary)

	if runErr != nil {
		r.logger.Printf("job %s failed after %s: %v", name, duration.Round(time.Millisecond), runErr)
		return runErr
	}
	r.logger.Printf("job %s succeeded in %s", name, duration.Round(time.Millisecond))
	return nil
}

// StatsSnapshot returns a copy of all job stats.
func (r *Runner) StatsSnapshot() map[string]Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Stats, len(r.stats))
	for name, st := range r.stats {
		out[name] = *st
	}
	return out
}

func (r *Runner) finish(name string, started time.Time, runErr error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.stats[name]
	st.Running = false
	st.LastRunAt = started
	st.LastDuration = time.Since(started)
	if runErr != nil {
		st.Failed++
		st.LastError = runErr.Error()
	} else {
		st.Succeeded++
		st.LastError = ""
	}
	r.running[name] = false
}

func (r *Runner) appendAudit(ctx context.Context, name, state, rationale string) {
	ev := &audit.Event{
		ActorType:     audit.ActorTypeService,
		ActorID:       "job-runner",
		Action:        "job." + name,
		Rationale:     rationale,
		Target:        name,
		ApprovalState: state,
	}
	if err := r.audit.Append(ctx, ev); err != nil {
		r.logger.Printf("append job audit (%s): %v", name, err)
	}
}
