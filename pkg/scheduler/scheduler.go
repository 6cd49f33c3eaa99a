package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/socialtag/cashback/pkg/metrics"
	"github.com/socialtag/cashback/pkg/rewards"
	"go.uber.org/zap"
)

// SweepStream is the redis stream sweep summaries are appended to.
const SweepStream = "cashback:sweeps"

// UserLister yields the users a sweep visits.
type UserLister interface {
	ListRegisteredUsers(ctx context.Context) ([]rewards.RegisteredUser, error)
}

// Processor runs the reward pipeline for one user.
type Processor interface {
	ProcessUser(ctx context.Context, user rewards.RegisteredUser) (rewards.UserReport, error)
}

// DistributedLock keeps replicas from sweeping at the same time.
type DistributedLock interface {
	Acquire(ctx context.Context) (token string, ok bool, err error)
	Release(ctx context.Context, token string) error
}

// EventSink receives sweep summaries. Best effort.
type EventSink interface {
	XAdd(ctx context.Context, stream string, values map[string]interface{}) string
}

// UserOutcome is what a sweep did for one user.
type UserOutcome struct {
	UserID           string `json:"userId"`
	Outcome          string `json:"outcome"`
	EntriesRecorded  int    `json:"entriesRecorded"`
	PayoutsSubmitted int    `json:"payoutsSubmitted"`
	Duplicates       int    `json:"duplicates"`
	Error            string `json:"error,omitempty"`
}

// SweepResult summarises one RunSweepOnce call. Skipped is set when the sweep did not run
// at all because another one held the lock.
type SweepResult struct {
	RunID            string        `json:"runId"`
	StartedAt        time.Time     `json:"startedAt"`
	FinishedAt       time.Time     `json:"finishedAt"`
	Skipped          bool          `json:"skipped"`
	SkipReason       string        `json:"skipReason,omitempty"`
	Users            int           `json:"users"`
	Succeeded        int           `json:"succeeded"`
	Failed           int           `json:"failed"`
	UsersSkipped     int           `json:"usersSkipped"`
	EntriesRecorded  int           `json:"entriesRecorded"`
	PayoutsSubmitted int           `json:"payoutsSubmitted"`
	Error            string        `json:"error,omitempty"`
	Outcomes         []UserOutcome `json:"outcomes,omitempty"`
}

// Scheduler runs sweeps over all registered users. At most one sweep runs per process, and
// with a DistributedLock at most one across replicas.
type Scheduler struct {
	users     UserLister
	processor Processor
	logger    *zap.Logger
	pool      pond.Pool

	// Lock and Events are optional.
	Lock   DistributedLock
	Events EventSink
	Now    func() time.Time

	running  sync.Mutex
	inFlight *xsync.Map[string, string]
	last     atomic.Pointer[SweepResult]
}

// New builds a scheduler processing up to concurrency users at once.
func New(users UserLister, processor Processor, concurrency int, logger *zap.Logger) *Scheduler {
	if concurrency < 1 {
		concurrency = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		users:     users,
		processor: processor,
		logger:    logger,
		pool:      pond.NewPool(concurrency),
		inFlight:  xsync.NewMap[string, string](),
	}
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Close waits for queued work and stops the worker pool.
func (s *Scheduler) Close() {
	s.pool.StopAndWait()
}

// LastResult returns the most recent sweep that actually ran.
func (s *Scheduler) LastResult() (SweepResult, bool) {
	r := s.last.Load()
	if r == nil {
		return SweepResult{}, false
	}
	return *r, true
}

// InFlight lists users being processed right now.
func (s *Scheduler) InFlight() []string {
	var out []string
	s.inFlight.Range(func(userID, _ string) bool {
		out = append(out, userID)
		return true
	})
	return out
}

// RunSweepOnce processes every registered user once. It never fails: per-user errors are
// recorded in the result and the sweep moves on.
func (s *Scheduler) RunSweepOnce(ctx context.Context) SweepResult {
	res := SweepResult{RunID: uuid.NewString(), StartedAt: s.now().UTC()}
	logger := s.logger.With(zap.String("run_id", res.RunID))

	if !s.running.TryLock() {
		return s.skip(res, "sweep already running in this process")
	}
	defer s.running.Unlock()

	if s.Lock != nil {
		token, ok, err := s.Lock.Acquire(ctx)
		switch {
		case err != nil:
			logger.Warn("Sweep lock unavailable", zap.Error(err))
			return s.skip(res, "sweep lock unavailable")
		case !ok:
			return s.skip(res, "sweep already running on another replica")
		}
		defer func() {
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := s.Lock.Release(rctx, token); err != nil {
				logger.Warn("Failed to release sweep lock", zap.Error(err))
			}
		}()
	}

	timer := time.Now()
	logger.Info("Sweep started")

	users, err := s.users.ListRegisteredUsers(ctx)
	if err != nil {
		res.Error = fmt.Sprintf("list users: %v", err)
		logger.Error("Sweep aborted, could not list users", zap.Error(err))
		return s.finish(ctx, logger, res, timer, "failed")
	}
	res.Users = len(users)

	outcomes := make([]UserOutcome, len(users))
	group := s.pool.NewGroupContext(ctx)
	gctx := group.Context()
	for i, u := range users {
		outcomes[i] = UserOutcome{UserID: u.UserID, Outcome: "skipped", Error: "not started"}
		group.Submit(func() {
			if gctx.Err() != nil {
				return
			}
			outcomes[i] = s.processOne(gctx, logger, res.RunID, u)
		})
	}
	if err := group.Wait(); err != nil {
		logger.Warn("Sweep worker group ended with error", zap.Error(err))
	}

	for _, o := range outcomes {
		switch o.Outcome {
		case "succeeded":
			res.Succeeded++
		case "failed":
			res.Failed++
		default:
			res.UsersSkipped++
		}
		res.EntriesRecorded += o.EntriesRecorded
		res.PayoutsSubmitted += o.PayoutsSubmitted
	}
	res.Outcomes = outcomes
	return s.finish(ctx, logger, res, timer, "completed")
}

func (s *Scheduler) processOne(ctx context.Context, logger *zap.Logger, runID string, u rewards.RegisteredUser) (out UserOutcome) {
	out = UserOutcome{UserID: u.UserID}
	if other, loaded := s.inFlight.LoadOrStore(u.UserID, runID); loaded {
		out.Outcome = "skipped"
		out.Error = "already being processed by run " + other
		return out
	}
	defer s.inFlight.Delete(u.UserID)

	logger = logger.With(zap.String("user_id", u.UserID))
	defer func() {
		if r := recover(); r != nil {
			out.Outcome = "failed"
			out.Error = fmt.Sprintf("panic: %v", r)
			metrics.UsersProcessed.WithLabelValues("failed").Inc()
			logger.Error("User sweep panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()

	report, err := s.processor.ProcessUser(ctx, u)
	out.Outcome = rewards.OutcomeLabel(err)
	out.EntriesRecorded = report.EntriesRecorded
	out.PayoutsSubmitted = report.PayoutsSubmitted
	out.Duplicates = report.Duplicates
	metrics.UsersProcessed.WithLabelValues(out.Outcome).Inc()

	switch {
	case err == nil:
		logger.Debug("User swept",
			zap.Int("entries_recorded", report.EntriesRecorded),
			zap.Int("payouts_submitted", report.PayoutsSubmitted),
			zap.Int("duplicates", report.Duplicates),
			zap.Time("watermark", report.Watermark))
	case rewards.IsTransient(err):
		out.Error = err.Error()
		logger.Warn("User skipped until next sweep", rewards.ErrorFields(err)...)
	default:
		out.Error = err.Error()
		logger.Error("User sweep failed", rewards.ErrorFields(err)...)
	}
	return out
}

func (s *Scheduler) skip(res SweepResult, reason string) SweepResult {
	res.Skipped = true
	res.SkipReason = reason
	res.FinishedAt = s.now().UTC()
	metrics.SweepsTotal.WithLabelValues("skipped").Inc()
	s.logger.Info("Sweep skipped", zap.String("run_id", res.RunID), zap.String("reason", reason))
	return res
}

func (s *Scheduler) finish(ctx context.Context, logger *zap.Logger, res SweepResult, timer time.Time, result string) SweepResult {
	res.FinishedAt = s.now().UTC()
	metrics.SweepsTotal.WithLabelValues(result).Inc()
	metrics.SweepDuration.Observe(time.Since(timer).Seconds())
	s.last.Store(&res)

	logger.Info("Sweep finished",
		zap.String("result", result),
		zap.Int("users", res.Users),
		zap.Int("succeeded", res.Succeeded),
		zap.Int("failed", res.Failed),
		zap.Int("skipped", res.UsersSkipped),
		zap.Int("entries_recorded", res.EntriesRecorded),
		zap.Int("payouts_submitted", res.PayoutsSubmitted),
		zap.Duration("took", time.Since(timer)))

	if s.Events != nil {
		s.Events.XAdd(context.WithoutCancel(ctx), SweepStream, map[string]interface{}{
			"run_id":            res.RunID,
			"result":            result,
			"started_at":        res.StartedAt.Format(time.RFC3339Nano),
			"finished_at":       res.FinishedAt.Format(time.RFC3339Nano),
			"users":             res.Users,
			"succeeded":         res.Succeeded,
			"failed":            res.Failed,
			"skipped":           res.UsersSkipped,
			"entries_recorded":  res.EntriesRecorded,
			"payouts_submitted": res.PayoutsSubmitted,
		})
	}
	return res
}
