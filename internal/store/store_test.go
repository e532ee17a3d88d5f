package store

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &Store{DB: db}, mock
}

func TestCreateUser(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO users (email, password_hash) VALUES ($1,$2)`)).
		WithArgs("ops@example.com", "bcrypt-hash").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := st.CreateUser(context.Background(), "ops@example.com", "bcrypt-hash"); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetUserByEmail(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, password_hash FROM users WHERE email=$1`)).
		WithArgs("ops@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"id", "password_hash"}).AddRow("user-1", "bcrypt-hash"))

	id, hash, err := st.GetUserByEmail(context.Background(), "ops@example.com")
	if err != nil {
		t.Fatalf("GetUserByEmail: %v", err)
	}
	if id != "user-1" || hash != "bcrypt-hash" {
		t.Fatalf("expected user-1/bcrypt-hash, got %s/%s", id, hash)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestIsUniqueViolation(t *testing.T) {
	dup := &pq.Error{Code: "23505"}
	if !IsUniqueViolation(dup) {
		t.Fatalf("expected unique violation to be detected")
	}
	if IsUniqueViolation(&pq.Error{Code: "23503"}) {
		t.Fatalf("foreign key violation should not count as unique violation")
	}
	if IsUniqueViolation(errors.New("plain error")) {
		t.Fatalf("plain error should not count as unique violation")
	}
}

func TestCreateSchedule(t *testing.T) {
	st, mock := newMockStore(t)

	request := []byte(`{"content":"monitor the new phone launch","keywords":["phone"]}`)
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO schedules (user_id, name, request, schedule_cron) VALUES ($1,$2,$3,$4) RETURNING id`)).
		WithArgs("user-1", "Phone launch", request, "0 */6 * * *").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("sched-1"))

	id, err := st.CreateSchedule(context.Background(), "user-1", "Phone launch", request, "0 */6 * * *")
	if err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}
	if id != "sched-1" {
		t.Fatalf("expected sched-1, got %s", id)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestListSchedules(t *testing.T) {
	st, mock := newMockStore(t)

	created := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, user_id, name, request, schedule_cron, enabled, created_at FROM schedules WHERE user_id=$1 ORDER BY created_at DESC`)).
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "name", "request", "schedule_cron", "enabled", "created_at"}).
			AddRow("sched-2", "user-1", "Second", []byte(`{}`), "@daily", true, created).
			AddRow("sched-1", "user-1", "First", []byte(`{}`), "@hourly", false, created.Add(-time.Hour)))

	out, err := st.ListSchedules(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("ListSchedules: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 schedules, got %d", len(out))
	}
	if out[0].ID != "sched-2" || out[0].ScheduleCron != "@daily" || !out[0].Enabled {
		t.Fatalf("unexpected first schedule: %+v", out[0])
	}
	if out[1].Enabled {
		t.Fatalf("expected second schedule to be disabled")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpdateScheduleRequestAndCron(t *testing.T) {
	st, mock := newMockStore(t)

	request := []byte(`{"keywords":["battery"]}`)
	cron := "30 8 * * *"
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE schedules SET request=$1, schedule_cron=$2 WHERE id=$3 AND user_id=$4`)).
		WithArgs(request, cron, "sched-1", "user-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := st.UpdateScheduleRequestAndCron(context.Background(), "sched-1", "user-1", request, &cron); err != nil {
		t.Fatalf("UpdateScheduleRequestAndCron: %v", err)
	}

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE schedules SET request=$1 WHERE id=$2 AND user_id=$3`)).
		WithArgs(request, "sched-1", "user-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := st.UpdateScheduleRequestAndCron(context.Background(), "sched-1", "user-1", request, nil); err != nil {
		t.Fatalf("UpdateScheduleRequestAndCron without cron: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCreateRun(t *testing.T) {
	st, mock := newMockStore(t)

	scheduleID := "sched-1"
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO analysis_runs (user_id, schedule_id, status) VALUES ($1,$2,$3) RETURNING id`)).
		WithArgs("user-1", &scheduleID, RunStatusRunning).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("run-1"))

	id, err := st.CreateRun(context.Background(), "user-1", &scheduleID, RunStatusRunning)
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if id != "run-1" {
		t.Fatalf("expected run-1, got %s", id)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestFinishRun(t *testing.T) {
	st, mock := newMockStore(t)

	report := []byte(`{"task_id":"run-1","partial":false}`)
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE analysis_runs SET status=$1, report=$2, turns_used=$3, tokens_used=$4, cost_estimate=$5, error=$6, finished_at=NOW() WHERE id=$7`)).
		WithArgs(RunStatusCompleted, report, 13, int64(4200), 0.37, nil, "run-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := st.FinishRun(context.Background(), "run-1", RunStatusCompleted, report, 13, 4200, 0.37, nil); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetRun(t *testing.T) {
	st, mock := newMockStore(t)

	started := time.Now().Add(-time.Minute)
	finished := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, user_id, schedule_id, status, report, error, turns_used, tokens_used, cost_estimate, started_at, finished_at FROM analysis_runs WHERE id=$1 AND user_id=$2`)).
		WithArgs("run-1", "user-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "schedule_id", "status", "report", "error", "turns_used", "tokens_used", "cost_estimate", "started_at", "finished_at"}).
			AddRow("run-1", "user-1", nil, RunStatusCompleted, []byte(`{"partial":false}`), nil, 13, int64(4200), 0.37, started, finished))

	r, err := st.GetRun(context.Background(), "run-1", "user-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if r.Status != RunStatusCompleted || r.TurnsUsed != 13 || r.TokensUsed != 4200 {
		t.Fatalf("unexpected run: %+v", r)
	}
	if r.ScheduleID != nil {
		t.Fatalf("expected nil schedule_id for ad-hoc run")
	}
	if len(r.Report) == 0 {
		t.Fatalf("expected report payload")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestListRunsDefaultsLimit(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, user_id, schedule_id, status, error, turns_used, tokens_used, cost_estimate, started_at, finished_at FROM analysis_runs WHERE user_id=$1 ORDER BY started_at DESC LIMIT $2`)).
		WithArgs("user-1", 50).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "schedule_id", "status", "error", "turns_used", "tokens_used", "cost_estimate", "started_at", "finished_at"}).
			AddRow("run-1", "user-1", nil, RunStatusFailed, "boom", 3, int64(900), 0.02, time.Now(), time.Now()))

	out, err := st.ListRuns(context.Background(), "user-1", 0)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected 1 run, got %d", len(out))
	}
	if out[0].Error == nil || *out[0].Error != "boom" {
		t.Fatalf("expected error to round-trip")
	}
	if out[0].Report != nil {
		t.Fatalf("list queries must not hydrate reports")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestLatestRunTime(t *testing.T) {
	st, mock := newMockStore(t)

	ts := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT MAX(COALESCE(finished_at, started_at)) FROM analysis_runs WHERE schedule_id=$1`)).
		WithArgs("sched-1").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(ts))

	got, err := st.LatestRunTime(context.Background(), "sched-1")
	if err != nil {
		t.Fatalf("LatestRunTime: %v", err)
	}
	if got == nil || !got.Equal(ts) {
		t.Fatalf("expected %v, got %v", ts, got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetLatestRunIDNoRows(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id FROM analysis_runs WHERE schedule_id=$1 ORDER BY started_at DESC LIMIT 1`)).
		WithArgs("sched-1").
		WillReturnError(sql.ErrNoRows)

	id, err := st.GetLatestRunID(context.Background(), "sched-1")
	if err != nil {
		t.Fatalf("GetLatestRunID: %v", err)
	}
	if id != "" {
		t.Fatalf("expected empty id for schedule without runs, got %q", id)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
