// Package scheduler drives periodic maintenance jobs such as feature expiry
// sweeps and route publication.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/fractal-lba/policyhive/internal/api"
	"github.com/fractal-lba/policyhive/internal/metrics"
)

// Job is a named periodic task. Spec accepts standard five-field cron
// expressions and descriptors such as "@every 30s".
type Job struct {
	Name string
	Spec string
	Run  func(ctx context.Context) error
}

// JobInfo describes a scheduled job.
type JobInfo struct {
	Name      string    `json:"name"`
	Spec      string    `json:"spec"`
	Next      time.Time `json:"next"`
	Prev      time.Time `json:"prev"`
	Runs      int64     `json:"runs"`
	Errors    int64     `json:"errors"`
	LastError string    `json:"last_error,omitempty"`
}

type Options struct {
	Location *time.Location
	Logger   logrus.FieldLogger
	Metrics  *metrics.Metrics
}

type scheduled struct {
	job   Job
	entry cron.EntryID

	mu      sync.Mutex
	runs    int64
	errors  int64
	lastErr string
}

// Scheduler runs jobs on a cron clock. Overlapping runs of the same job are
// skipped.
type Scheduler struct {
	cron    *cron.Cron
	log     logrus.FieldLogger
	metrics *metrics.Metrics

	mu   sync.RWMutex
	jobs map[string]*scheduled
	ctx  context.Context
}

func New(opts Options) *Scheduler {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	log := opts.Logger.WithField("component", "scheduler")

	cronLog := cron.PrintfLogger(log)
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(opts.Location),
			cron.WithLogger(cronLog),
			cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
		),
		log:     log,
		metrics: metrics.OrDiscard(opts.Metrics),
		jobs:    make(map[string]*scheduled),
		ctx:     context.Background(),
	}
}

// Add registers job. Names must be unique.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" {
		return &api.ValidationError{Field: "name", Message: "job name is required"}
	}
	if job.Run == nil {
		return &api.ValidationError{Field: "run", Message: "job function is required"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.Name]; ok {
		return api.Conflict(api.ReasonDuplicateID, "job %q already scheduled", job.Name)
	}

	sj := &scheduled{job: job}
	id, err := s.cron.AddFunc(job.Spec, func() { s.run(s.context(), sj) })
	if err != nil {
		return &api.ValidationError{Field: "spec", Message: fmt.Sprintf("invalid schedule %q: %v", job.Spec, err)}
	}
	sj.entry = id
	s.jobs[job.Name] = sj
	return nil
}

func (s *Scheduler) context() context.Context {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ctx
}

func (s *Scheduler) run(ctx context.Context, sj *scheduled) error {
	start := time.Now()
	err := sj.job.Run(ctx)

	s.metrics.JobRuns.WithLabelValues(sj.job.Name).Inc()

	sj.mu.Lock()
	sj.runs++
	if err != nil {
		sj.errors++
		sj.lastErr = err.Error()
	}
	sj.mu.Unlock()

	entry := s.log.WithFields(logrus.Fields{
		"job":      sj.job.Name,
		"duration": time.Since(start).String(),
	})
	if err != nil {
		s.metrics.JobErrors.WithLabelValues(sj.job.Name).Inc()
		entry.WithError(err).Warn("job failed")
		return err
	}
	entry.Debug("job finished")
	return nil
}

// Start begins the cron clock. Jobs receive ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.cron.Start()
	s.log.WithField("jobs", len(s.Jobs())).Info("scheduler started")
}

// Stop halts the clock and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.log.Info("scheduler stopped")
}

// RunNow runs the named job synchronously.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.RLock()
	sj, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return api.NotFound("job", name)
	}
	return s.run(ctx, sj)
}

// Jobs lists scheduled jobs by name.
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]JobInfo, 0, len(s.jobs))
	for _, sj := range s.jobs {
		e := s.cron.Entry(sj.entry)
		sj.mu.Lock()
		out = append(out, JobInfo{
			Name:      sj.job.Name,
			Spec:      sj.job.Spec,
			Next:      e.Next,
			Prev:      e.Prev,
			Runs:      sj.runs,
			Errors:    sj.errors,
			LastError: sj.lastErr,
		})
		sj.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
