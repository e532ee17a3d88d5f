package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

type Store struct {
	DB *sql.DB
}

// Run statuses persisted for analysis runs. The terminal three mirror the
// statuses the orchestrator reports on its results.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusPartial   = "partial"
	RunStatusFailed    = "failed"
)

// Schedule is a recurring analysis: a saved request plus a cron expression.
type Schedule struct {
	ID           string
	UserID       string
	Name         string
	Request      []byte
	ScheduleCron string
	Enabled      bool
	CreatedAt    time.Time
}

// Run records one orchestrated analysis, whether submitted through the API
// or triggered by a schedule. Report is the marshalled structured report;
// list queries leave it nil to keep result sets small.
type Run struct {
	ID         string
	UserID     string
	ScheduleID *string
	Status     string
	Report     []byte
	Error      *string
	TurnsUsed  int
	TokensUsed int64
	Cost       float64
	StartedAt  time.Time
	FinishedAt *time.Time
}

var (
	metricsOnce    sync.Once
	costCounter    otelmetric.Float64Counter
	tokenCounter   otelmetric.Int64Counter
	metricsInitErr error
)

func initStoreMetrics() {
	meter := otel.Meter("store")
	var err error
	costCounter, err = meter.Float64Counter("analysis_cost_total")
	if err != nil {
		metricsInitErr = err
		return
	}
	tokenCounter, err = meter.Int64Counter("analysis_tokens_total")
	if err != nil {
		metricsInitErr = err
	}
}

func New(ctx context.Context) (*Store, error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		host := getenvDefault("POSTGRES_HOST", "localhost")
		port := getenvDefault("POSTGRES_PORT", "5432")
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		db := os.Getenv("POSTGRES_DB")
		ssl := getenvDefault("POSTGRES_SSLMODE", "disable")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, ssl)
	}
	return NewWithDSN(ctx, dsn)
}

// NewWithDSN constructs the Store using an explicit Postgres DSN
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

func getenvDefault(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

// IsUniqueViolation reports whether err is a Postgres unique_violation,
// e.g. a duplicate user email on signup.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// User operations
func (s *Store) CreateUser(ctx context.Context, email, hash string) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO users (email, password_hash) VALUES ($1,$2)`, email, hash)
	return err
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (id string, hash string, err error) {
	err = s.DB.QueryRowContext(ctx, `SELECT id, password_hash FROM users WHERE email=$1`, email).Scan(&id, &hash)
	return
}

// Schedule operations
func (s *Store) CreateSchedule(ctx context.Context, userID, name string, request []byte, cron string) (string, error) {
	var id string
	err := s.DB.QueryRowContext(ctx, `INSERT INTO schedules (user_id, name, request, schedule_cron) VALUES ($1,$2,$3,$4) RETURNING id`, userID, name, request, cron).Scan(&id)
	return id, err
}

func (s *Store) ListSchedules(ctx context.Context, userID string) ([]Schedule, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id, user_id, name, request, schedule_cron, enabled, created_at FROM schedules WHERE user_id=$1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSchedules(rows)
}

func (s *Store) GetScheduleByID(ctx context.Context, id string, userID string) (Schedule, error) {
	var sc Schedule
	err := s.DB.QueryRowContext(ctx, `SELECT id, user_id, name, request, schedule_cron, enabled, created_at FROM schedules WHERE id=$1 AND user_id=$2`, id, userID).
		Scan(&sc.ID, &sc.UserID, &sc.Name, &sc.Request, &sc.ScheduleCron, &sc.Enabled, &sc.CreatedAt)
	return sc, err
}

func (s *Store) UpdateScheduleRequestAndCron(ctx context.Context, id string, userID string, request []byte, scheduleCron *string) error {
	if scheduleCron != nil && *scheduleCron != "" {
		_, err := s.DB.ExecContext(ctx, `UPDATE schedules SET request=$1, schedule_cron=$2 WHERE id=$3 AND user_id=$4`, request, *scheduleCron, id, userID)
		return err
	}
	_, err := s.DB.ExecContext(ctx, `UPDATE schedules SET request=$1 WHERE id=$2 AND user_id=$3`, request, id, userID)
	return err
}

// UpdateScheduleName updates only the schedule name (user-driven rename)
func (s *Store) UpdateScheduleName(ctx context.Context, id string, userID string, name string) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE schedules SET name=$1 WHERE id=$2 AND user_id=$3`, name, id, userID)
	return err
}

// SetScheduleEnabled pauses or resumes a schedule without touching its request.
func (s *Store) SetScheduleEnabled(ctx context.Context, id string, userID string, enabled bool) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE schedules SET enabled=$1 WHERE id=$2 AND user_id=$3`, enabled, id, userID)
	return err
}

func (s *Store) DeleteSchedule(ctx context.Context, id string, userID string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM schedules WHERE id=$1 AND user_id=$2`, id, userID)
	return err
}

// ListEnabledSchedules returns every enabled schedule across users, for the
// scheduler's due-check sweep.
func (s *Store) ListEnabledSchedules(ctx context.Context) ([]Schedule, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id, user_id, name, request, schedule_cron, enabled, created_at FROM schedules WHERE enabled`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSchedules(rows)
}

func scanSchedules(rows *sql.Rows) ([]Schedule, error) {
	var out []Schedule
	for rows.Next() {
		var sc Schedule
		if err := rows.Scan(&sc.ID, &sc.UserID, &sc.Name, &sc.Request, &sc.ScheduleCron, &sc.Enabled, &sc.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// Run operations
func (s *Store) CreateRun(ctx context.Context, userID string, scheduleID *string, status string) (string, error) {
	var id string
	err := s.DB.QueryRowContext(ctx, `INSERT INTO analysis_runs (user_id, schedule_id, status) VALUES ($1,$2,$3) RETURNING id`, userID, scheduleID, status).Scan(&id)
	return id, err
}

// FinishRun records the terminal status of a run together with its report and
// accounting, and feeds the cost/token counters.
func (s *Store) FinishRun(ctx context.Context, runID string, status string, report []byte, turnsUsed int, tokensUsed int64, cost float64, errMsg *string) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE analysis_runs SET status=$1, report=$2, turns_used=$3, tokens_used=$4, cost_estimate=$5, error=$6, finished_at=NOW() WHERE id=$7`,
		status, report, turnsUsed, tokensUsed, cost, errMsg, runID)
	if err != nil {
		return err
	}
	metricsOnce.Do(initStoreMetrics)
	if metricsInitErr == nil {
		attrs := []attribute.KeyValue{
			attribute.String("run_id", runID),
			attribute.String("status", status),
		}
		if costCounter != nil && cost > 0 {
			costCounter.Add(ctx, cost, otelmetric.WithAttributes(attrs...))
		}
		if tokenCounter != nil && tokensUsed > 0 {
			tokenCounter.Add(ctx, tokensUsed, otelmetric.WithAttributes(attrs...))
		}
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, id string, userID string) (Run, error) {
	var r Run
	err := s.DB.QueryRowContext(ctx, `SELECT id, user_id, schedule_id, status, report, error, turns_used, tokens_used, cost_estimate, started_at, finished_at FROM analysis_runs WHERE id=$1 AND user_id=$2`, id, userID).
		Scan(&r.ID, &r.UserID, &r.ScheduleID, &r.Status, &r.Report, &r.Error, &r.TurnsUsed, &r.TokensUsed, &r.Cost, &r.StartedAt, &r.FinishedAt)
	return r, err
}

func (s *Store) ListRuns(ctx context.Context, userID string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT id, user_id, schedule_id, status, error, turns_used, tokens_used, cost_estimate, started_at, finished_at FROM analysis_runs WHERE user_id=$1 ORDER BY started_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRuns(rows)
}

func (s *Store) ListRunsBySchedule(ctx context.Context, scheduleID string, userID string) ([]Run, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id, user_id, schedule_id, status, error, turns_used, tokens_used, cost_estimate, started_at, finished_at FROM analysis_runs WHERE schedule_id=$1 AND user_id=$2 ORDER BY started_at DESC`, scheduleID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRuns(rows)
}

func scanRuns(rows *sql.Rows) ([]Run, error) {
	var out []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.UserID, &r.ScheduleID, &r.Status, &r.Error, &r.TurnsUsed, &r.TokensUsed, &r.Cost, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) LatestRunTime(ctx context.Context, scheduleID string) (*time.Time, error) {
	var ts *time.Time
	err := s.DB.QueryRowContext(ctx, `SELECT MAX(COALESCE(finished_at, started_at)) FROM analysis_runs WHERE schedule_id=$1`, scheduleID).Scan(&ts)
	return ts, err
}

func (s *Store) GetLatestRunID(ctx context.Context, scheduleID string) (string, error) {
	var id string
	err := s.DB.QueryRowContext(ctx, `SELECT id FROM analysis_runs WHERE schedule_id=$1 ORDER BY started_at DESC LIMIT 1`, scheduleID).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return id, err
}
