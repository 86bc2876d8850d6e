// Package scheduler warms the snapshot cache on a cron schedule so that
// questions asked later are answered without an upstream fetch.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/opentalon/tenancy-assistant/internal/toolserver"
	"github.com/opentalon/tenancy-assistant/pkg/toolrpc"
)

// Runner executes one tool call. toolserver.Server implements it.
type Runner interface {
	Handle(ctx context.Context, req toolrpc.Request) toolrpc.Response
}

// Engine is the subset of *cron.Cron the scheduler uses.
type Engine interface {
	AddFunc(spec string, cmd func()) (cron.EntryID, error)
	Remove(id cron.EntryID)
	Start()
	Stop() context.Context
}

// Job calls Method with Params every time Schedule fires.
type Job struct {
	Name     string            `yaml:"name" json:"name"`
	Schedule string            `yaml:"schedule" json:"schedule"`
	Method   string            `yaml:"method" json:"method"`
	Params   map[string]string `yaml:"params,omitempty" json:"params,omitempty"`
}

// Status is the outcome of a job's most recent run.
type Status struct {
	Job     Job       `json:"job"`
	LastRun time.Time `json:"lastRun,omitempty"`
	Runs    int       `json:"runs"`
	Failed  int       `json:"failed"`
	Error   string    `json:"error,omitempty"`
}

var (
	ErrEmptyName    = errors.New("scheduler: job name must not be empty")
	ErrEmptyMethod  = errors.New("scheduler: job method must not be empty")
	ErrDuplicateJob = errors.New("scheduler: job already exists")
	ErrUnknownJob   = errors.New("scheduler: unknown job")
)

type Option func(*Scheduler)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithEngine replaces the cron engine, mainly for tests.
func WithEngine(e Engine) Option {
	return func(s *Scheduler) {
		if e != nil {
			s.engine = e
		}
	}
}

// WithTimeout bounds each job run.
func WithTimeout(d time.Duration) Option {
	return func(s *Scheduler) { s.timeout = d }
}

type entry struct {
	id     cron.EntryID
	status Status
}

// Scheduler runs warm-up jobs against a Runner.
type Scheduler struct {
	engine  Engine
	runner  Runner
	logger  zerolog.Logger
	timeout time.Duration

	mu   sync.RWMutex
	jobs map[string]*entry

	ctx    context.Context
	cancel context.CancelFunc
}

func New(runner Runner, opts ...Option) *Scheduler {
	if runner == nil {
		panic("scheduler: runner must not be nil")
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		engine:  cron.New(),
		runner:  runner,
		logger:  zerolog.Nop(),
		timeout: 2 * time.Minute,
		jobs:    make(map[string]*entry),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Add validates job and registers it with the engine.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" {
		return ErrEmptyName
	}
	if job.Method == "" {
		return ErrEmptyMethod
	}
	if _, err := cron.ParseStandard(job.Schedule); err != nil {
		return fmt.Errorf("scheduler: job %q: invalid schedule %q: %w", job.Name, job.Schedule, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.Name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateJob, job.Name)
	}
	name := job.Name
	id, err := s.engine.AddFunc(job.Schedule, func() {
		_ = s.RunNow(s.ctx, name)
	})
	if err != nil {
		return fmt.Errorf("scheduler: job %q: %w", job.Name, err)
	}
	s.jobs[job.Name] = &entry{id: id, status: Status{Job: job}}
	s.logger.Info().Str("job", job.Name).Str("schedule", job.Schedule).Str("method", job.Method).Msg("warm job added")
	return nil
}

// Remove unregisters a job.
func (s *Scheduler) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownJob, name)
	}
	s.engine.Remove(e.id)
	delete(s.jobs, name)
	return nil
}

// Jobs returns the status of every job, sorted by name.
func (s *Scheduler) Jobs() []Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Status, 0, len(s.jobs))
	for _, e := range s.jobs {
		out = append(out, e.status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Job.Name < out[j].Job.Name })
	return out
}

// RunNow runs the named job immediately and returns its tool error, if any.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.RLock()
	e, ok := s.jobs[name]
	var job Job
	if ok {
		job = e.status.Job
	}
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownJob, name)
	}

	params, err := json.Marshal(job.Params)
	if err != nil {
		return fmt.Errorf("scheduler: job %q: marshal params: %w", name, err)
	}
	if job.Params == nil {
		params = []byte("{}")
	}

	runCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	resp := s.runner.Handle(runCtx, toolrpc.Request{
		JSONRPC: toolrpc.Version,
		ID:      toolrpc.NewID("warm:" + name),
		Method:  job.Method,
		Params:  params,
	})
	if resp.Error != nil {
		err = fmt.Errorf("scheduler: job %q: %w", name, resp.Error)
	}
	s.record(name, start, err)

	ev := s.logger.Debug()
	if err != nil {
		ev = s.logger.Warn().Err(err)
	}
	ev.Str("job", name).Dur("took", time.Since(start)).Msg("warm job ran")
	return err
}

func (s *Scheduler) record(name string, at time.Time, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[name]
	if !ok {
		return
	}
	e.status.LastRun = at
	e.status.Runs++
	e.status.Error = ""
	if err != nil {
		e.status.Failed++
		e.status.Error = err.Error()
	}
}

// Start starts the engine. Jobs first fire at their next scheduled time.
func (s *Scheduler) Start() {
	s.engine.Start()
}

// Stop stops the engine, cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	done := s.engine.Stop()
	s.cancel()
	<-done.Done()
}

// MinInterval returns the shortest gap between two runs of schedule over
// the next day of activations, starting at from.
func MinInterval(schedule string, from time.Time) (time.Duration, error) {
	sched, err := cron.ParseStandard(schedule)
	if err != nil {
		return 0, err
	}
	prev := sched.Next(from)
	if prev.IsZero() {
		return 0, fmt.Errorf("schedule %q never runs", schedule)
	}
	var shortest time.Duration
	for end := prev.Add(24 * time.Hour); ; {
		next := sched.Next(prev)
		if next.IsZero() || next.After(end) {
			break
		}
		if gap := next.Sub(prev); shortest == 0 || gap < shortest {
			shortest = gap
		}
		prev = next
	}
	if shortest == 0 {
		shortest = 24 * time.Hour
	}
	return shortest, nil
}

// WarmJobs builds one public IP job and one month-to-date cost job per
// compartment. A warm run is an ordinary tool call: while a snapshot is
// live it is a cache hit and refreshes nothing, so runs closer together
// than the cache TTL only pay off on the ticks that land after expiry.
func WarmJobs(schedule string, compartments []string) []Job {
	jobs := make([]Job, 0, 2*len(compartments))
	for _, c := range compartments {
		if c == "" {
			continue
		}
		jobs = append(jobs,
			Job{Name: "warm-public-ips:" + c, Schedule: schedule, Method: string(toolserver.MethodPublicIPSummary),
				Params: map[string]string{"compartmentId": c}},
			Job{Name: "warm-cost:" + c, Schedule: schedule, Method: string(toolserver.MethodCostSummary),
				Params: map[string]string{"compartmentId": c}},
		)
	}
	return jobs
}
