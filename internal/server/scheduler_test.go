package server

import (
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	core "github.com/opwatch/opwatch/internal/agent/core"
	"github.com/opwatch/opwatch/internal/store"
)

func TestIsDue(t *testing.T) {
	now := time.Now()
	hourAgo := now.Add(-time.Hour)
	twoDaysAgo := now.Add(-48 * time.Hour)
	justNow := now.Add(-time.Minute)

	cases := []struct {
		name string
		spec string
		last *time.Time
		want bool
	}{
		{"daily never run", "@daily", nil, true},
		{"daily stale", "@daily", &twoDaysAgo, true},
		{"daily fresh", "@daily", &hourAgo, false},
		{"hourly stale", "@hourly", &twoDaysAgo, true},
		{"hourly fresh", "@hourly", &justNow, false},
		{"cron never run", "0 0 * * *", nil, true},
		{"cron stale", "0 0 * * *", &twoDaysAgo, true},
		{"cron fresh", "0 0 1 1 *", &now, false},
		{"garbage treated as daily", "garbage", &hourAgo, false},
		{"garbage stale", "garbage", &twoDaysAgo, true},
	}
	for _, tc := range cases {
		if got := isDue(tc.spec, tc.last); got != tc.want {
			t.Fatalf("%s: isDue(%q) = %v, want %v", tc.name, tc.spec, got, tc.want)
		}
	}
}

func TestTickFiresDueSchedule(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	runner := &stubRunner{result: core.AnalysisResult{Status: "completed", TurnsUsed: 7, TokensUsed: 300, CostEstimate: 0.09}}
	s := NewScheduler(&store.Store{DB: db}, runner, nil, time.Minute)

	request := []byte(`{"content":"monitor the new phone launch","keywords":["phone"]}`)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, user_id, name, request, schedule_cron, enabled, created_at FROM schedules WHERE enabled`)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "name", "request", "schedule_cron", "enabled", "created_at"}).
			AddRow("sched-1", "user-456", "Phone watch", request, "@hourly", true, time.Now()))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT MAX(COALESCE(finished_at, started_at)) FROM analysis_runs WHERE schedule_id=$1`)).
		WithArgs("sched-1").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO analysis_runs (user_id, schedule_id, status) VALUES ($1,$2,$3) RETURNING id`)).
		WithArgs("user-456", sqlmock.AnyArg(), store.RunStatusRunning).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("run-1"))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE analysis_runs SET`)).
		WithArgs("completed", sqlmock.AnyArg(), 7, int64(300), 0.09, nil, "run-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	s.tick()

	// fire runs in a goroutine with jitter; wait for the terminal update
	waitExpectations(t, mock)

	reqs := runner.submitted()
	if len(reqs) != 1 {
		t.Fatalf("expected 1 submission, got %d", len(reqs))
	}
	if reqs[0].ID != "run-1" || reqs[0].UserID != "user-456" {
		t.Fatalf("unexpected request: %+v", reqs[0])
	}
	if reqs[0].Content != "monitor the new phone launch" {
		t.Fatalf("stored request not forwarded: %+v", reqs[0])
	}
}

func TestTickSkipsFreshSchedule(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	runner := &stubRunner{}
	s := NewScheduler(&store.Store{DB: db}, runner, nil, time.Minute)

	recent := time.Now().Add(-time.Minute)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, user_id, name, request, schedule_cron, enabled, created_at FROM schedules WHERE enabled`)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "name", "request", "schedule_cron", "enabled", "created_at"}).
			AddRow("sched-1", "user-456", "Phone watch", []byte(`{"content":"x"}`), "@hourly", true, time.Now()))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT MAX(COALESCE(finished_at, started_at))`)).
		WithArgs("sched-1").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(recent))

	s.tick()

	if got := runner.submitted(); len(got) != 0 {
		t.Fatalf("expected no submissions for fresh schedule, got %d", len(got))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
