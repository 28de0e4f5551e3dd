// Package scheduler implements the Scheduler (spec §4.1): a multi-level
// priority queue with admission control, fair-share dispatch, K=3
// requeue-then-dead-letter retry, exponential backoff, and cron-driven
// scheduled agents.
package scheduler

import (
	"container/list"
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"github.com/symbiont-run/symbiont/internal/apperr"
	"github.com/symbiont-run/symbiont/internal/domain"
	"github.com/symbiont-run/symbiont/internal/errorhandler"
	"github.com/symbiont-run/symbiont/internal/ids"
	"github.com/symbiont-run/symbiont/internal/lifecycle"
	"github.com/symbiont-run/symbiont/internal/policy"
	"github.com/symbiont-run/symbiont/internal/resourcemgr"
	"github.com/symbiont-run/symbiont/pkg/logger"
)

const maxAdmissionRetries = 3

// queuedSubmission is one pending admission attempt.
type queuedSubmission struct {
	cfg        domain.AgentConfig
	priority   int
	submittedAt time.Time
	attempts   int
}

// band is one priority level's FIFO queue plus its fair-share limiter.
type band struct {
	mu      sync.Mutex
	queue   *list.List // of *queuedSubmission
	limiter *rate.Limiter
}

func newBand(weight float64) *band {
	return &band{queue: list.New(), limiter: rate.NewLimiter(rate.Limit(weight), int(weight)+1)}
}

func (b *band) push(s *queuedSubmission) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queue.PushBack(s)
}

func (b *band) pop() *queuedSubmission {
	b.mu.Lock()
	defer b.mu.Unlock()
	front := b.queue.Front()
	if front == nil {
		return nil
	}
	b.queue.Remove(front)
	return front.Value.(*queuedSubmission)
}

func (b *band) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queue.Len()
}

// SystemStatus reports current load (spec §4.1, status operation).
type SystemStatus struct {
	QueueDepths []int
	Pool        domain.PoolStatus
}

// Config configures a Scheduler.
type Config struct {
	PriorityBands     int
	BandWeights       []float64 // one per band; defaults to equal weight 10 req/s
	AdmissionMaxRetry int
	BackoffBase       time.Duration
	BackoffCap        time.Duration
	MaxWorkers        int

	Lifecycle *lifecycle.Controller
	Resources *resourcemgr.Manager
	Policy    *policy.Engine
	Errors    *errorhandler.Handler
	Logger    *logger.Logger

	AuditAppend func(eventType, actor string, details map[string]string)
}

// Scheduler is the Scheduler.
type Scheduler struct {
	cfg   Config
	log   *logger.Logger
	bands []*band

	deadLetterMu sync.Mutex
	deadLetter   []*queuedSubmission

	priorityMu sync.Mutex
	priorities map[ids.AgentId]int

	cron      *cron.Cron
	cronJobs  map[ids.AgentId]cron.EntryID

	// workers bounds how many agents run concurrently through
	// RunToCompletion, sized to min(cpu_count, configured_max) per spec §5.
	workers chan struct{}

	dispatchOnce sync.Once
	stop         chan struct{}
}

// New creates a Scheduler with the given configuration.
func New(cfg Config) *Scheduler {
	if cfg.PriorityBands <= 0 {
		cfg.PriorityBands = 4
	}
	if cfg.AdmissionMaxRetry <= 0 {
		cfg.AdmissionMaxRetry = maxAdmissionRetries
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 100 * time.Millisecond
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 5 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = logger.NewDefault("scheduler")
	}

	bands := make([]*band, cfg.PriorityBands)
	for i := range bands {
		weight := 10.0
		if i < len(cfg.BandWeights) {
			weight = cfg.BandWeights[i]
		}
		bands[i] = newBand(weight)
	}

	maxWorkers := cfg.MaxWorkers
	if maxWorkers <= 0 || maxWorkers > runtime.NumCPU() {
		maxWorkers = runtime.NumCPU()
	}

	return &Scheduler{
		cfg:        cfg,
		log:        log,
		bands:      bands,
		priorities: make(map[ids.AgentId]int),
		cron:       cron.New(),
		cronJobs:   make(map[ids.AgentId]cron.EntryID),
		workers:    make(chan struct{}, maxWorkers),
		stop:       make(chan struct{}),
	}
}

func (s *Scheduler) audit(eventType, actor string, details map[string]string) {
	if s.cfg.AuditAppend != nil {
		s.cfg.AuditAppend(eventType, actor, details)
	}
}

func (s *Scheduler) bandIndex(priority int) int {
	if priority < 0 {
		return 0
	}
	if priority >= len(s.bands) {
		return len(s.bands) - 1
	}
	return priority
}

// Submit validates cfg, checks capacity optimistically is deferred to
// admission, and enqueues at the given priority band (spec §4.1).
func (s *Scheduler) Submit(cfg domain.AgentConfig, priority int) (ids.AgentId, error) {
	if err := cfg.Validate(); err != nil {
		return ids.AgentId{}, apperr.New(apperr.KindConfig, "Submit", err.Error())
	}

	idx := s.bandIndex(priority)
	s.priorityMu.Lock()
	s.priorities[cfg.ID] = priority
	s.priorityMu.Unlock()

	if cfg.ExecutionMode == domain.ExecutionScheduled {
		return cfg.ID, s.registerCron(cfg, idx)
	}

	s.bands[idx].push(&queuedSubmission{cfg: cfg, priority: priority, submittedAt: time.Now().UTC()})
	return cfg.ID, nil
}

func (s *Scheduler) registerCron(cfg domain.AgentConfig, bandIdx int) error {
	entryID, err := s.cron.AddFunc(cfg.Schedule, func() {
		s.bands[bandIdx].push(&queuedSubmission{cfg: cfg, priority: bandIdx, submittedAt: time.Now().UTC()})
	})
	if err != nil {
		return apperr.New(apperr.KindConfig, "Submit", fmt.Sprintf("invalid cron schedule %q: %v", cfg.Schedule, err))
	}
	s.priorityMu.Lock()
	s.cronJobs[cfg.ID] = entryID
	s.priorityMu.Unlock()
	return nil
}

// Reprioritize changes the priority band a not-yet-dispatched agent will be
// considered under. Agents already admitted are unaffected.
func (s *Scheduler) Reprioritize(id ids.AgentId, priority int) error {
	s.priorityMu.Lock()
	_, ok := s.priorities[id]
	if ok {
		s.priorities[id] = priority
	}
	s.priorityMu.Unlock()
	if !ok {
		return apperr.New(apperr.KindInternal, "Reprioritize", "agent not found").WithDetail("agent_id", id.String())
	}
	target := s.bands[s.bandIndex(priority)]
	for _, b := range s.bands {
		b.mu.Lock()
		for e := b.queue.Front(); e != nil; e = e.Next() {
			if sub := e.Value.(*queuedSubmission); sub.cfg.ID == id {
				b.queue.Remove(e)
				b.mu.Unlock()
				sub.priority = priority
				target.push(sub)
				return nil
			}
		}
		b.mu.Unlock()
	}
	return nil
}

// Terminate stops a scheduled cron job (if any) and delegates to the
// Lifecycle Controller for a running agent.
func (s *Scheduler) Terminate(ctx context.Context, id ids.AgentId, reason string) error {
	s.priorityMu.Lock()
	if entryID, ok := s.cronJobs[id]; ok {
		s.cron.Remove(entryID)
		delete(s.cronJobs, id)
	}
	s.priorityMu.Unlock()

	if s.cfg.Lifecycle == nil {
		return nil
	}
	return s.cfg.Lifecycle.Terminate(ctx, id, reason)
}

// Status reports current queue depths and pool utilization (spec §4.1).
func (s *Scheduler) Status() SystemStatus {
	depths := make([]int, len(s.bands))
	for i, b := range s.bands {
		depths[i] = b.len()
	}
	var pool domain.PoolStatus
	if s.cfg.Resources != nil {
		pool = s.cfg.Resources.Snapshot()
	}
	return SystemStatus{QueueDepths: depths, Pool: pool}
}

// DeadLetter returns a snapshot of agents that exhausted admission retries.
func (s *Scheduler) DeadLetter() []domain.AgentConfig {
	s.deadLetterMu.Lock()
	defer s.deadLetterMu.Unlock()
	out := make([]domain.AgentConfig, len(s.deadLetter))
	for i, q := range s.deadLetter {
		out[i] = q.cfg
	}
	return out
}

// Start launches the cron scheduler and a single dispatch loop goroutine
// that serves the highest band preferentially by checking bands in
// descending index order. Run once per Scheduler.
func (s *Scheduler) Start(ctx context.Context) {
	s.dispatchOnce.Do(func() {
		s.cron.Start()
		go s.dispatchLoop(ctx)
	})
}

// Stop halts the dispatch loop and the cron scheduler.
func (s *Scheduler) Stop() {
	close(s.stop)
	<-s.cron.Stop().Done()
}

func (s *Scheduler) dispatchLoop(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.dispatchRound()
		}
	}
}

// dispatchRound scans bands from highest to lowest priority, dispatching at
// most one submission from the first non-empty band whose fair-share
// limiter currently allows it.
func (s *Scheduler) dispatchRound() {
	for i := len(s.bands) - 1; i >= 0; i-- {
		b := s.bands[i]
		if b.len() == 0 {
			continue
		}
		if !b.limiter.Allow() {
			continue
		}
		sub := b.pop()
		if sub == nil {
			continue
		}
		s.admit(sub, i)
		return
	}
}

// admit runs the full admission pipeline: Resource Manager check → Policy
// Engine pre_agent_creation hook → Audit AgentSubmitted → Lifecycle
// Initialize, requeuing on transient failure up to AdmissionMaxRetry times
// with exponential backoff before dead-lettering (spec §4.1). A successful
// Initialize hands the now-Ready agent to a bounded worker that drives it
// through Start/Execute/Complete/Terminate (Scenario A).
func (s *Scheduler) admit(sub *queuedSubmission, bandIdx int) {
	sub.attempts++

	if s.cfg.Resources != nil {
		if _, err := s.cfg.Resources.Allocate(sub.cfg.ID, sub.cfg.ResourceLimits, bandIdx, 0); err != nil {
			s.handleError(sub.cfg.ID, "admit.allocate", err)
			s.rejectOrRetry(sub, bandIdx, err)
			return
		}
	}

	if s.cfg.Policy != nil {
		decision := s.cfg.Policy.Evaluate(sub.cfg.ID.String(), policy.EvalContext{
			ActorType:  "agent",
			ActionType: "create",
			Hook:       domain.HookPreAgentCreation,
		})
		if !decision.Allowed() {
			if s.cfg.Resources != nil {
				_ = s.cfg.Resources.Release(sub.cfg.ID)
			}
			err := fmt.Errorf("policy rejected: %s", decision.Reason)
			s.handleError(sub.cfg.ID, "admit.policy", apperr.PolicyRejected("admit", decision.Reason))
			s.rejectOrRetry(sub, bandIdx, err)
			return
		}
	}

	s.audit(domain.EventAgentSubmitted, sub.cfg.ID.String(), map[string]string{"band": fmt.Sprintf("%d", bandIdx)})

	if s.cfg.Lifecycle != nil {
		if _, err := s.cfg.Lifecycle.Initialize(context.Background(), sub.cfg); err != nil {
			if s.cfg.Resources != nil {
				_ = s.cfg.Resources.Release(sub.cfg.ID)
			}
			s.handleError(sub.cfg.ID, "admit.initialize", err)
			s.rejectOrRetry(sub, bandIdx, err)
			return
		}
		s.runAsync(sub.cfg.ID)
	}
}

// runAsync drives a freshly admitted agent through RunToCompletion on a
// worker-pool goroutine, bounded to s.workers' capacity (spec §5: "thread
// pool sized to min(cpu_count, configured_max)").
func (s *Scheduler) runAsync(id ids.AgentId) {
	if s.cfg.Lifecycle == nil {
		return
	}
	go func() {
		s.workers <- struct{}{}
		defer func() { <-s.workers }()

		if err := s.cfg.Lifecycle.RunToCompletion(context.Background(), id); err != nil {
			s.handleError(id, "run_to_completion", err)
		}
	}()
}

// handleError routes a component failure through the Error Handler's
// classify-then-dispatch path (spec §7), which is the sole audit/recovery
// mechanism for errors that are not the scheduler's own admission retries.
func (s *Scheduler) handleError(id ids.AgentId, op string, err error) {
	if s.cfg.Errors == nil || err == nil {
		return
	}
	s.cfg.Errors.Handle(context.Background(), id, op, err)
}

func (s *Scheduler) rejectOrRetry(sub *queuedSubmission, bandIdx int, cause error) {
	if sub.attempts > s.cfg.AdmissionMaxRetry {
		s.deadLetterMu.Lock()
		s.deadLetter = append(s.deadLetter, sub)
		s.deadLetterMu.Unlock()
		s.audit(domain.EventAgentRejected, sub.cfg.ID.String(), map[string]string{"reason": cause.Error()})
		s.log.WithField("agent_id", sub.cfg.ID.String()).Warnf("admission exhausted after %d attempts: %v", sub.attempts, cause)
		return
	}

	backoff := s.cfg.BackoffBase << uint(sub.attempts-1)
	if backoff > s.cfg.BackoffCap {
		backoff = s.cfg.BackoffCap
	}
	go func() {
		time.Sleep(backoff)
		s.bands[bandIdx].push(sub)
	}()
}
