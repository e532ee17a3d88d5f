package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/opwatch/opwatch/config"
	"github.com/opwatch/opwatch/internal/capability"
	"github.com/opwatch/opwatch/internal/corpus"
	"github.com/opwatch/opwatch/internal/report"
	"github.com/opwatch/opwatch/internal/toolcall"
)

// DefaultRoutes maps every registered capability onto the crawler and
// analysis services from config. All capability endpoints accept POST.
func DefaultRoutes(cfg config.CapabilitiesConfig) map[string]toolcall.Route {
	crawler := strings.TrimRight(cfg.Crawler.BaseURL, "/")
	analysis := strings.TrimRight(cfg.Analysis.BaseURL, "/")
	return map[string]toolcall.Route{
		capability.CapCrawlerCreateTask: {Method: "POST", URL: crawler + "/api/tasks"},
		capability.CapCrawlerTaskStatus: {Method: "POST", URL: crawler + "/api/tasks/status"},
		capability.CapCrawlerQueryPosts: {Method: "POST", URL: crawler + "/api/posts/query"},
		capability.CapCrawlerStatistics: {Method: "POST", URL: crawler + "/api/statistics"},
		capability.CapAnalyzeSensitive:  {Method: "POST", URL: analysis + "/api/analyze/sensitive"},
		capability.CapAnalyzeSentiment:  {Method: "POST", URL: analysis + "/api/analyze/sentiment"},
		capability.CapExtractTopics:     {Method: "POST", URL: analysis + "/api/analyze/topics"},
		capability.CapDetectTrends:      {Method: "POST", URL: analysis + "/api/analyze/trends"},
		capability.CapAnalyzeEngagement: {Method: "POST", URL: analysis + "/api/analyze/engagement"},
	}
}

// CrawlTaskRequest asks the crawler service to start a collection task.
type CrawlTaskRequest struct {
	Platform      string   `json:"platform"`
	Keywords      []string `json:"keywords"`
	Mode          string   `json:"mode,omitempty"` // search, detail, creator, homefeed
	MaxPages      int      `json:"max_pages,omitempty"`
	TimeRangeDays int      `json:"time_range_days,omitempty"`
}

// CrawlTask is the crawler's view of a collection task.
type CrawlTask struct {
	TaskID   string `json:"task_id"`
	Platform string `json:"platform"`
	Status   string `json:"status"` // pending, running, completed, failed
	Message  string `json:"message,omitempty"`
}

// Done reports whether the task reached a terminal crawler status.
func (t CrawlTask) Done() bool {
	return t.Status == "completed" || t.Status == "failed"
}

// QueryPostsRequest pages through the posts a task collected.
type QueryPostsRequest struct {
	TaskID   string `json:"task_id"`
	Page     int    `json:"page"`
	PageSize int    `json:"page_size"`
}

// QueryPostsResponse is one page of collected posts.
type QueryPostsResponse struct {
	Posts []corpus.Post `json:"posts"`
	Total int           `json:"total"`
	Page  int           `json:"page"`
}

// StatisticsResponse summarizes a collection task on the crawler side.
type StatisticsResponse struct {
	TotalPosts    int            `json:"total_posts"`
	TotalAccounts int            `json:"total_accounts"`
	Platforms     map[string]int `json:"platforms"`
}

// CrawlerClient drives the crawler service through the invocation layer.
type CrawlerClient struct {
	inv          *toolcall.Invoker
	pollInterval time.Duration
	pollTimeout  time.Duration
	pageSize     int
	logger       *log.Logger
}

func NewCrawlerClient(inv *toolcall.Invoker, cfg config.CrawlerConfig) *CrawlerClient {
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	pollTimeout := cfg.PollTimeout
	if pollTimeout <= 0 {
		pollTimeout = 3 * time.Minute
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	return &CrawlerClient{
		inv:          inv,
		pollInterval: pollInterval,
		pollTimeout:  pollTimeout,
		pageSize:     pageSize,
		logger:       log.New(log.Writer(), "[CRAWLER] ", log.LstdFlags),
	}
}

// CreateTask starts a collection task.
func (c *CrawlerClient) CreateTask(ctx context.Context, req CrawlTaskRequest) (CrawlTask, error) {
	raw, err := c.inv.Invoke(ctx, toolcall.Call{Capability: capability.CapCrawlerCreateTask, Payload: req})
	if err != nil {
		return CrawlTask{}, err
	}
	var task CrawlTask
	if err := json.Unmarshal(raw, &task); err != nil {
		return CrawlTask{}, fmt.Errorf("decoding create_task response: %w", err)
	}
	if task.TaskID == "" {
		return CrawlTask{}, fmt.Errorf("crawler returned no task id")
	}
	return task, nil
}

// TaskStatus fetches the current status of a collection task.
func (c *CrawlerClient) TaskStatus(ctx context.Context, taskID string) (CrawlTask, error) {
	raw, err := c.inv.Invoke(ctx, toolcall.Call{
		Capability: capability.CapCrawlerTaskStatus,
		Payload:    map[string]string{"task_id": taskID},
	})
	if err != nil {
		return CrawlTask{}, err
	}
	var task CrawlTask
	if err := json.Unmarshal(raw, &task); err != nil {
		return CrawlTask{}, fmt.Errorf("decoding task_status response: %w", err)
	}
	return task, nil
}

// WaitTask polls the crawler until the task settles, the poll window
// elapses, or ctx is cancelled. Collection is asynchronous on the crawler
// side; this is the client-side completion wait.
func (c *CrawlerClient) WaitTask(ctx context.Context, taskID string) (CrawlTask, error) {
	deadline := time.Now().Add(c.pollTimeout)
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		task, err := c.TaskStatus(ctx, taskID)
		if err != nil {
			return CrawlTask{}, err
		}
		if task.Done() {
			if task.Status == "failed" {
				return task, fmt.Errorf("crawl task %s failed: %s", taskID, task.Message)
			}
			return task, nil
		}
		if time.Now().After(deadline) {
			return task, fmt.Errorf("crawl task %s still %s after %v", taskID, task.Status, c.pollTimeout)
		}

		c.logger.Printf("Task %s is %s, polling again in %v", taskID, task.Status, c.pollInterval)
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return CrawlTask{}, ctx.Err()
		}
	}
}

// QueryAllPosts pages through every post the task collected.
func (c *CrawlerClient) QueryAllPosts(ctx context.Context, taskID string) ([]corpus.Post, error) {
	var all []corpus.Post
	for page := 1; ; page++ {
		raw, err := c.inv.Invoke(ctx, toolcall.Call{
			Capability: capability.CapCrawlerQueryPosts,
			Payload:    QueryPostsRequest{TaskID: taskID, Page: page, PageSize: c.pageSize},
		})
		if err != nil {
			return nil, err
		}
		var resp QueryPostsResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, fmt.Errorf("decoding query_posts response: %w", err)
		}
		all = append(all, resp.Posts...)
		if len(resp.Posts) < c.pageSize || (resp.Total > 0 && len(all) >= resp.Total) {
			return all, nil
		}
	}
}

// Statistics fetches crawler-side collection statistics for a task.
func (c *CrawlerClient) Statistics(ctx context.Context, taskID string) (StatisticsResponse, error) {
	raw, err := c.inv.Invoke(ctx, toolcall.Call{
		Capability: capability.CapCrawlerStatistics,
		Payload:    map[string]string{"task_id": taskID},
	})
	if err != nil {
		return StatisticsResponse{}, err
	}
	var stats StatisticsResponse
	if err := json.Unmarshal(raw, &stats); err != nil {
		return StatisticsResponse{}, fmt.Errorf("decoding statistics response: %w", err)
	}
	return stats, nil
}

// analysisTextsRequest is the shared request body for text analyses.
type analysisTextsRequest struct {
	Texts []string `json:"texts"`
}

// analysisPostsRequest carries posts with counts and timestamps for the
// trend and engagement analyses.
type analysisPostsRequest struct {
	Posts []corpus.Post `json:"posts"`
}

// AnalysisClient drives the content-analysis service.
type AnalysisClient struct {
	inv        *toolcall.Invoker
	batchLimit int
}

func NewAnalysisClient(inv *toolcall.Invoker, cfg config.AnalysisConfig) *AnalysisClient {
	batchLimit := cfg.BatchLimit
	if batchLimit <= 0 {
		batchLimit = 200
	}
	return &AnalysisClient{inv: inv, batchLimit: batchLimit}
}

// BatchLimit is the maximum number of texts sent per analysis call.
func (a *AnalysisClient) BatchLimit() int { return a.batchLimit }

// Sensitive screens texts for sensitive content. It runs before the other
// analyses so flagged material is known first.
func (a *AnalysisClient) Sensitive(ctx context.Context, texts []string) (report.SensitiveSummary, error) {
	var out report.SensitiveSummary
	err := a.analyze(ctx, capability.CapAnalyzeSensitive, analysisTextsRequest{Texts: texts}, &out)
	return out, err
}

// Sentiment classifies overall sentiment across texts.
func (a *AnalysisClient) Sentiment(ctx context.Context, texts []string) (report.SentimentSummary, error) {
	var out report.SentimentSummary
	err := a.analyze(ctx, capability.CapAnalyzeSentiment, analysisTextsRequest{Texts: texts}, &out)
	return out, err
}

// Topics extracts topic clusters from texts.
func (a *AnalysisClient) Topics(ctx context.Context, texts []string) ([]report.TopicSummary, error) {
	var out []report.TopicSummary
	err := a.analyze(ctx, capability.CapExtractTopics, analysisTextsRequest{Texts: texts}, &out)
	return out, err
}

// Trends detects trending movements from posts over time.
func (a *AnalysisClient) Trends(ctx context.Context, posts []corpus.Post) ([]report.TrendSummary, error) {
	var out []report.TrendSummary
	err := a.analyze(ctx, capability.CapDetectTrends, analysisPostsRequest{Posts: posts}, &out)
	return out, err
}

// Engagement benchmarks interaction levels across posts.
func (a *AnalysisClient) Engagement(ctx context.Context, posts []corpus.Post) (report.EngagementSummary, error) {
	var out report.EngagementSummary
	err := a.analyze(ctx, capability.CapAnalyzeEngagement, analysisPostsRequest{Posts: posts}, &out)
	return out, err
}

func (a *AnalysisClient) analyze(ctx context.Context, capName string, payload interface{}, out interface{}) error {
	raw, err := a.inv.Invoke(ctx, toolcall.Call{Capability: capName, Payload: payload})
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decoding %s response: %w", capName, err)
	}
	return nil
}
