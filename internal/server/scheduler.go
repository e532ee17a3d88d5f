package server

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gorhill/cronexpr"
	core "github.com/opwatch/opwatch/internal/agent/core"
	"github.com/opwatch/opwatch/internal/store"
)

// Scheduler fires due recurring analyses. A short-lived redis lock keeps
// replicas from firing the same schedule twice in one window.
type Scheduler struct {
	Store    *store.Store
	Runner   core.Runner
	Rdb      *redis.Client
	Interval time.Duration
	Timeout  time.Duration
	Stop     chan struct{}
	logger   *log.Logger
}

func NewScheduler(st *store.Store, runner core.Runner, rdb *redis.Client, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{
		Store:    st,
		Runner:   runner,
		Rdb:      rdb,
		Interval: interval,
		Timeout:  15 * time.Minute,
		Stop:     make(chan struct{}),
		logger:   log.New(log.Writer(), "[SCHED] ", log.LstdFlags),
	}
}

func (s *Scheduler) Start() {
	ticker := time.NewTicker(s.Interval)
	go func() {
		for {
			select {
			case <-s.Stop:
				ticker.Stop()
				return
			case <-ticker.C:
				s.tick()
			}
		}
	}()
}

func (s *Scheduler) tick() {
	ctx := context.Background()
	schedules, err := s.Store.ListEnabledSchedules(ctx)
	if err != nil {
		s.logger.Printf("list schedules: %v", err)
		return
	}
	for _, sc := range schedules {
		last, _ := s.Store.LatestRunTime(ctx, sc.ID)
		if !isDue(sc.ScheduleCron, last) {
			continue
		}

		// distributed lock to avoid duplicate runs across replicas
		lockKey := "sched:lock:" + sc.ID
		if s.Rdb != nil {
			ok, _ := s.Rdb.SetNX(ctx, lockKey, "1", 2*time.Minute).Result()
			if !ok {
				continue
			}
		}

		runID, err := s.Store.CreateRun(ctx, sc.UserID, &sc.ID, store.RunStatusRunning)
		if err != nil {
			s.logger.Printf("schedule %s: create run: %v", sc.ID, err)
			if s.Rdb != nil {
				s.Rdb.Del(ctx, lockKey)
			}
			continue
		}

		go s.fire(sc, runID, lockKey)
	}
}

func (s *Scheduler) fire(sc store.Schedule, runID, lockKey string) {
	// jitter to avoid stampedes
	time.Sleep(time.Duration(250+int64(time.Now().UnixNano()%250)) * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), s.Timeout)
	defer cancel()
	defer func() {
		if s.Rdb != nil {
			s.Rdb.Del(context.Background(), lockKey)
		}
	}()

	var payload AnalysisSubmitRequest
	if err := json.Unmarshal(sc.Request, &payload); err != nil {
		_ = s.Store.FinishRun(ctx, runID, store.RunStatusFailed, nil, 0, 0, 0, strPtr("stored request unreadable: "+err.Error()))
		return
	}
	req := buildAnalysisRequest(runID, sc.UserID, payload)

	s.logger.Printf("schedule %s: firing run %s", sc.ID, runID)
	result, err := s.Runner.Submit(ctx, req)

	status := result.Status
	if status == "" {
		status = store.RunStatusFailed
	}
	var errMsg *string
	if err != nil {
		errMsg = strPtr(err.Error())
	} else if result.Error != "" {
		errMsg = strPtr(result.Error)
	}
	reportJSON, mErr := json.Marshal(result.Report)
	if mErr != nil {
		reportJSON = nil
	}
	if fErr := s.Store.FinishRun(ctx, runID, status, reportJSON, result.TurnsUsed, result.TokensUsed, result.CostEstimate, errMsg); fErr != nil {
		s.logger.Printf("schedule %s: finish run %s: %v", sc.ID, runID, fErr)
	}
}

// isDue determines if a schedule with cronSpec should run now based on the
// last run time. Supports "@daily", "@hourly", and standard cron expressions.
func isDue(cronSpec string, last *time.Time) bool {
	now := time.Now()
	switch cronSpec {
	case "@daily":
		if last == nil {
			return true
		}
		return now.Sub(*last) >= 24*time.Hour
	case "@hourly":
		if last == nil {
			return true
		}
		return now.Sub(*last) >= time.Hour
	default:
		expr, err := cronexpr.Parse(cronSpec)
		if err != nil {
			// treat an invalid expression as @daily rather than firing wild
			if last == nil {
				return true
			}
			return now.Sub(*last) >= 24*time.Hour
		}
		if last == nil {
			// never run, due now
			return true
		}
		next := expr.Next(*last)
		return !next.After(now)
	}
}
