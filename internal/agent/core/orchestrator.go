package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opwatch/opwatch/config"
	"github.com/opwatch/opwatch/internal/agent/telemetry"
	"github.com/opwatch/opwatch/internal/budget"
	"github.com/opwatch/opwatch/internal/capability"
	"github.com/opwatch/opwatch/internal/corpus"
	"github.com/opwatch/opwatch/internal/report"
	"github.com/opwatch/opwatch/internal/toolcall"
	"github.com/opwatch/opwatch/session"
	"github.com/opwatch/opwatch/session/session_models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Orchestrator runs analysis tasks: it routes each task through the handler
// graph, lets the policy decide one action per turn, fans capability calls
// out through the invocation layer, and folds emitted sections into the
// report. One task holds its session lease for the whole run.
type Orchestrator struct {
	config    *config.Config
	logger    *log.Logger
	telemetry *telemetry.Telemetry
	registry  *capability.Registry

	// Core components
	policy      Policy
	llmProvider LLMProvider
	sessions    session.Store
	invoker     *toolcall.Invoker
	crawler     *CrawlerClient
	analysis    *AnalysisClient

	// Processing state
	processing map[string]*ProcessingStatus
	cancels    map[string]context.CancelFunc
	mu         sync.RWMutex

	// Concurrency control
	semaphore chan struct{}
}

var orchestratorTracer trace.Tracer = otel.Tracer("opwatch/internal/agent/orchestrator")

// NewOrchestrator creates a new orchestrator instance
func NewOrchestrator(cfg *config.Config, logger *log.Logger, telem *telemetry.Telemetry, registry *capability.Registry, sessions session.Store) (*Orchestrator, error) {
	// Initialize LLM provider
	llmProvider, err := NewLLMProvider(cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("failed to create LLM provider: %w", err)
	}

	if logger == nil {
		logger = log.New(log.Writer(), "[ORCH] ", log.LstdFlags)
	}

	invoker := toolcall.NewInvoker(DefaultRoutes(cfg.Capabilities), toolcall.Config{
		Timeout:          cfg.Capabilities.Timeout,
		Retries:          cfg.Capabilities.Retries,
		Backoff:          cfg.Capabilities.Backoff,
		BreakerThreshold: cfg.Capabilities.BreakerThreshold,
		BreakerCooldown:  cfg.Capabilities.BreakerCooldown,
	}, nil)

	o := &Orchestrator{
		config:      cfg,
		logger:      logger,
		telemetry:   telem,
		registry:    registry,
		policy:      NewLLMPolicy(cfg, llmProvider),
		llmProvider: llmProvider,
		sessions:    sessions,
		invoker:     invoker,
		crawler:     NewCrawlerClient(invoker, cfg.Capabilities.Crawler),
		analysis:    NewAnalysisClient(invoker, cfg.Capabilities.Analysis),
		processing:  make(map[string]*ProcessingStatus),
		cancels:     make(map[string]context.CancelFunc),
		semaphore:   make(chan struct{}, cfg.Agents.MaxConcurrentTasks),
	}
	invoker.OnCall(o.recordToolEvent)

	return o, nil
}

// LLM exposes the orchestrator's underlying LLM provider.
func (o *Orchestrator) LLM() LLMProvider {
	return o.llmProvider
}

// taskRuntime is the per-task state threaded through one Submit run.
type taskRuntime struct {
	req       AnalysisRequest
	sessionID string
	corpus    *corpus.Corpus
	agg       *Aggregator
	usage     *Usage
	governor  *budget.Governor
	machine   *Machine
	status    *ProcessingStatus

	handlers     []string
	handlerStart time.Time
	handlerOpen  bool
	tokensMark   int64
	costMark     float64
	lastOutcomes []ToolOutcome

	// Analysis categories whose capability call failed; checked against
	// emitted categories at finalize.
	failedCategories map[report.Category]bool

	crawlMu    sync.Mutex
	crawlTasks []string
}

func (rt *taskRuntime) addCrawlTask(id string) {
	rt.crawlMu.Lock()
	defer rt.crawlMu.Unlock()
	rt.crawlTasks = append(rt.crawlTasks, id)
}

func (rt *taskRuntime) lastCrawlTask() string {
	rt.crawlMu.Lock()
	defer rt.crawlMu.Unlock()
	if len(rt.crawlTasks) == 0 {
		return ""
	}
	return rt.crawlTasks[len(rt.crawlTasks)-1]
}

// Submit processes an analysis request to completion and returns the final
// result. On failure the returned result still carries whatever report
// sections were merged before the task died, marked partial.
func (o *Orchestrator) Submit(ctx context.Context, req AnalysisRequest) (AnalysisResult, error) {
	startTime := time.Now()
	ctx, span := orchestratorTracer.Start(ctx, "agent.submit",
		trace.WithAttributes(
			attribute.String("task.id", req.ID),
			attribute.String("session.id", req.SessionID),
			attribute.String("user.id", req.UserID),
		))
	defer span.End()

	// Generate unique ID if not provided
	if req.ID == "" {
		req.ID = uuid.New().String()
		span.SetAttributes(attribute.String("task.id", req.ID))
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now()
	}

	taskCtx := ctx
	if mpt := o.config.General.MaxProcessingTime; mpt > 0 {
		var cancelDeadline context.CancelFunc
		taskCtx, cancelDeadline = context.WithTimeout(taskCtx, mpt)
		defer cancelDeadline()
	}
	taskCtx, cancel := context.WithCancel(taskCtx)
	defer cancel()

	// Initialize processing status
	status := &ProcessingStatus{
		TaskID:      req.ID,
		SessionID:   req.SessionID,
		Status:      "pending",
		MaxTurns:    o.config.Agents.MaxTurns,
		CreatedAt:   time.Now(),
		LastUpdated: time.Now(),
	}

	o.mu.Lock()
	o.processing[req.ID] = status
	o.cancels[req.ID] = cancel
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		delete(o.processing, req.ID)
		delete(o.cancels, req.ID)
		o.mu.Unlock()
	}()

	// Acquire semaphore for concurrency control
	select {
	case o.semaphore <- struct{}{}:
		defer func() { <-o.semaphore }()
	case <-taskCtx.Done():
		return AnalysisResult{}, taskCtx.Err()
	}

	taskEvent := telemetry.TaskEvent{
		ID:          req.ID,
		RequestText: req.Content,
		StartTime:   startTime,
	}
	defer func() {
		taskEvent.EndTime = time.Now()
		taskEvent.ProcessingTime = taskEvent.EndTime.Sub(taskEvent.StartTime)
		o.telemetry.RecordTaskEvent(ctx, taskEvent)
	}()

	fail := func(err error) (AnalysisResult, error) {
		o.failStatus(status, err)
		taskEvent.Success = false
		taskEvent.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return AnalysisResult{}, err
	}

	// Session: one writer per session for the whole run.
	sessionID, err := o.sessions.Ensure(taskCtx, req.SessionID, o.config.Session.TTL)
	if err != nil {
		return fail(fmt.Errorf("session ensure failed: %w", err))
	}
	req.SessionID = sessionID
	status.SessionID = sessionID
	taskEvent.SessionID = sessionID
	span.SetAttributes(attribute.String("session.id", sessionID))

	release, err := o.sessions.Acquire(taskCtx, sessionID)
	if err != nil {
		return fail(fmt.Errorf("session acquire failed: %w", err))
	}
	defer release()

	// Turn budget: server default, overridden per request.
	budgetCfg := budget.Config{MaxTurns: o.config.Agents.MaxTurns}
	if req.Budget != nil && !req.Budget.IsZero() {
		budgetCfg = budget.Merge(budgetCfg, *req.Budget)
	}
	if err := budgetCfg.Validate(); err != nil {
		return fail(fmt.Errorf("invalid budget: %w", err))
	}
	governor := budget.NewGovernor(budgetCfg)
	status.MaxTurns = governor.Limit()

	posts, err := corpus.New()
	if err != nil {
		return fail(fmt.Errorf("failed to create corpus: %w", err))
	}

	rt := &taskRuntime{
		req:          req,
		sessionID:    sessionID,
		corpus:       posts,
		agg:          NewAggregator(o.registry),
		usage:        &Usage{},
		governor:     governor,
		machine:      NewMachine(),
		status:       status,
		handlerStart: time.Now(),
	}

	entry := o.registry.Entry()
	if err := rt.machine.Route(entry); err != nil {
		return fail(err)
	}
	rt.handlers = append(rt.handlers, entry)
	rt.handlerOpen = true

	o.logger.Printf("Starting task %s (session %s) at handler %s", req.ID, sessionID, entry)
	o.updateStatus(status, "executing", entry, 0)

	// Main loop: one governor turn per decision.
	partial := false
	var failErr error
loop:
	for {
		select {
		case <-taskCtx.Done():
			rt.machine.Fail()
			failErr = taskCtx.Err()
			o.appendTurn(context.Background(), sessionID, session_models.Turn{
				Handler: rt.machine.Handler(),
				Kind:    session_models.TurnNote,
				Detail:  "task stopped",
				Err:     taskCtx.Err().Error(),
			})
			break loop
		default:
		}

		if err := governor.Consume(); err != nil {
			var exceeded budget.ErrExceeded
			if errors.As(err, &exceeded) {
				partial = true
				rt.agg.Warn(fmt.Sprintf("turn budget exhausted after %d turns", governor.Used()))
				o.appendTurn(taskCtx, sessionID, session_models.Turn{
					Handler: rt.machine.Handler(),
					Kind:    session_models.TurnNote,
					Detail:  "turn budget exhausted",
				})
				span.AddEvent("budget.exhausted", trace.WithAttributes(attribute.Int("turns", governor.Used())))
				break loop
			}
			failErr = err
			break loop
		}
		if err := governor.CheckTime(); err != nil {
			partial = true
			rt.agg.Warn(err.Error())
			break loop
		}
		o.updateStatus(status, "executing", rt.machine.Handler(), governor.Used())

		done, err := o.runTurn(taskCtx, rt)
		if err != nil {
			failErr = err
			break loop
		}
		if done {
			break loop
		}
	}

	turnsUsed := governor.Used()
	taskEvent.TurnsUsed = turnsUsed
	taskEvent.HandlersUsed = rt.handlers
	taskEvent.LLMModelsUsed = rt.usage.Models
	taskEvent.Cost = rt.usage.Cost
	taskEvent.TokensUsed = rt.usage.TokensUsed
	span.SetAttributes(
		attribute.Float64("run.cost_usd", rt.usage.Cost),
		attribute.Int64("run.tokens", rt.usage.TokensUsed),
		attribute.Int("run.turns", turnsUsed),
	)

	if failErr != nil {
		o.recordHandlerEnd(ctx, rt, false, failErr.Error())
		o.failStatus(status, failErr)
		taskEvent.Success = false
		taskEvent.Error = failErr.Error()
		span.RecordError(failErr)
		span.SetStatus(codes.Error, failErr.Error())

		result := o.buildResult(rt, startTime, "failed", true)
		result.Error = failErr.Error()
		return result, failErr
	}

	o.recordHandlerEnd(ctx, rt, true, "")

	// A dispatched category whose capability failed and that was never
	// emitted afterwards leaves the report incomplete.
	if len(rt.failedCategories) > 0 {
		emitted := make(map[report.Category]bool)
		for _, cat := range rt.agg.Emitted() {
			emitted[cat] = true
		}
		for cat := range rt.failedCategories {
			if !emitted[cat] {
				partial = true
			}
		}
	}

	resultStatus := "completed"
	if partial {
		resultStatus = "partial"
		taskEvent.Partial = true
	}
	taskEvent.Success = true

	o.updateStatus(status, resultStatus, rt.machine.Handler(), turnsUsed)
	o.logger.Printf("Task %s %s in %v (%d turns, %d posts from %v, $%.4f)",
		req.ID, resultStatus, time.Since(startTime), turnsUsed, rt.corpus.Len(), rt.corpus.Platforms(), rt.usage.Cost)
	span.SetStatus(codes.Ok, resultStatus)

	return o.buildResult(rt, startTime, resultStatus, partial), nil
}

// runTurn executes one handler turn: decide, then act. It reports done=true
// when the task reached its terminal state.
func (o *Orchestrator) runTurn(ctx context.Context, rt *taskRuntime) (bool, error) {
	turnCtx := ctx
	cancel := context.CancelFunc(func() {})
	if ht := o.config.Agents.HandlerTimeout; ht > 0 {
		turnCtx, cancel = context.WithTimeout(ctx, ht)
	}
	defer cancel()

	if err := rt.machine.Begin(); err != nil {
		return false, err
	}
	handler := rt.machine.Handler()

	card, ok := o.registry.Handler(handler)
	if !ok {
		rt.machine.Fail()
		return false, fmt.Errorf("handler %s not registered", handler)
	}

	history, err := o.sessions.History(turnCtx, rt.sessionID)
	if err != nil {
		o.logger.Printf("warn: reading session history failed: %v", err)
	}

	var sample []corpus.Hit
	if rt.corpus.Len() > 0 && len(rt.req.Keywords) > 0 {
		// Ground narrative decisions in real post content. Lookup failures
		// just mean an unsampled prompt.
		sample, _ = rt.corpus.Search(strings.Join(rt.req.Keywords, " "), 3)
	}

	decision, err := o.policy.Decide(turnCtx, PolicyInput{
		Request:     rt.req,
		Handler:     handler,
		Card:        card,
		History:     history,
		LastResults: rt.lastOutcomes,
		Emitted:     rt.agg.Emitted(),
		CorpusSize:  rt.corpus.Len(),
		Sample:      sample,
		TurnsUsed:   rt.governor.Used(),
		TurnsLeft:   rt.governor.Remaining(),
		Usage:       rt.usage,
	})
	if err != nil {
		rt.machine.Fail()
		return false, fmt.Errorf("decision failed for %s: %w", handler, err)
	}
	rt.lastOutcomes = nil

	switch decision.Action {
	case ActionToolCalls:
		if err := rt.machine.InvokeTools(); err != nil {
			return false, err
		}
		rt.lastOutcomes = o.executeToolCalls(turnCtx, rt, handler, decision.ToolCalls)
		if err := rt.machine.Resume(); err != nil {
			return false, err
		}

	case ActionEmit:
		merged := rt.agg.Merge(handler, decision.Category, decision.Payload)
		turn := session_models.Turn{
			Handler: handler,
			Kind:    session_models.TurnEmit,
			Detail:  string(decision.Category),
			Payload: decision.Payload,
		}
		if !merged {
			turn.Err = "rejected"
			turn.Payload = nil
		}
		o.appendTurn(turnCtx, rt.sessionID, turn)

	case ActionHandoff:
		if !o.registry.CanHandoff(handler, decision.Target) {
			rt.machine.Fail()
			return false, fmt.Errorf("handler %s may not hand off to %s", handler, decision.Target)
		}
		if err := rt.machine.HandOff(decision.Target); err != nil {
			return false, err
		}
		o.recordHandlerEnd(ctx, rt, true, "")
		o.appendTurn(turnCtx, rt.sessionID, session_models.Turn{
			Handler: handler,
			Kind:    session_models.TurnHandoff,
			Detail:  fmt.Sprintf("to %s: %s", decision.Target, decision.Summary),
		})
		if err := rt.machine.Route(decision.Target); err != nil {
			return false, err
		}
		rt.handlers = append(rt.handlers, decision.Target)
		rt.handlerStart = time.Now()
		rt.handlerOpen = true
		o.logger.Printf("Task %s handed off: %s -> %s", rt.req.ID, handler, decision.Target)

	case ActionFinish:
		if err := rt.machine.Finish(); err != nil {
			return false, err
		}
		o.recordHandlerEnd(ctx, rt, true, "")
		o.appendTurn(turnCtx, rt.sessionID, session_models.Turn{
			Handler: handler,
			Kind:    session_models.TurnNote,
			Detail:  fmt.Sprintf("finished: %s", decision.Summary),
		})
		return true, nil

	default:
		rt.machine.Fail()
		return false, fmt.Errorf("policy returned unknown action %q", decision.Action)
	}

	return false, nil
}

// executeToolCalls fans the requested capability calls out concurrently and
// waits for all of them. A failed call becomes a report warning and an
// errored outcome for the next decision, never a task failure.
func (o *Orchestrator) executeToolCalls(ctx context.Context, rt *taskRuntime, handler string, calls []ToolRequest) []ToolOutcome {
	outcomes := make([]ToolOutcome, len(calls))

	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call ToolRequest) {
			defer wg.Done()

			callCtx, callSpan := orchestratorTracer.Start(ctx, "agent.tool_call",
				trace.WithAttributes(
					attribute.String("capability", call.Capability),
					attribute.String("handler", handler),
				))
			defer callSpan.End()

			started := time.Now()
			outcome := ToolOutcome{Capability: call.Capability, Attempts: 1}

			if !o.registry.CanInvoke(handler, call.Capability) {
				err := fmt.Errorf("handler %s may not call %s", handler, call.Capability)
				outcome.Err = err.Error()
				callSpan.RecordError(err)
				callSpan.SetStatus(codes.Error, err.Error())
			} else if result, err := o.dispatchToolCall(callCtx, rt, call); err != nil {
				outcome.Err = err.Error()
				callSpan.RecordError(err)
				callSpan.SetStatus(codes.Error, err.Error())
			} else {
				outcome.Result = result
				callSpan.SetStatus(codes.Ok, "completed")
			}

			outcome.Duration = time.Since(started)
			outcomes[i] = outcome
		}(i, call)
	}
	wg.Wait()

	// Record the fan-out in the session, sequentially; we hold the lease.
	for _, out := range outcomes {
		turn := session_models.Turn{
			Handler:    handler,
			Kind:       session_models.TurnToolCall,
			Capability: out.Capability,
			Err:        out.Err,
		}
		if out.Err == "" && len(out.Result) <= 2048 {
			turn.Payload = out.Result
		} else if out.Err == "" {
			turn.Detail = fmt.Sprintf("%d byte result", len(out.Result))
		}
		o.appendTurn(ctx, rt.sessionID, turn)
		if out.Err != "" {
			rt.agg.Warn(fmt.Sprintf("capability %s failed: %s", out.Capability, out.Err))
			if cat, ok := capability.CategoryFor(out.Capability); ok {
				if rt.failedCategories == nil {
					rt.failedCategories = make(map[report.Category]bool)
				}
				rt.failedCategories[cat] = true
			}
		}
	}

	return outcomes
}

// dispatchToolCall resolves a capability name to its typed client call,
// enriching dataset-wide analyses with the collected corpus.
func (o *Orchestrator) dispatchToolCall(ctx context.Context, rt *taskRuntime, call ToolRequest) (json.RawMessage, error) {
	switch call.Capability {
	case capability.CapCrawlerCreateTask:
		req, err := o.crawlRequest(rt.req, call.Args)
		if err != nil {
			return nil, err
		}
		task, err := o.crawler.CreateTask(ctx, req)
		if err != nil {
			return nil, err
		}
		rt.addCrawlTask(task.TaskID)
		return marshalOutcome(task)

	case capability.CapCrawlerTaskStatus:
		taskID := stringArg(call.Args, "task_id")
		if taskID == "" {
			taskID = rt.lastCrawlTask()
		}
		if taskID == "" {
			return nil, fmt.Errorf("task_id required: no crawl task created yet")
		}
		task, err := o.crawler.WaitTask(ctx, taskID)
		if err != nil {
			return nil, err
		}
		return marshalOutcome(task)

	case capability.CapCrawlerQueryPosts:
		posts, err := o.crawler.QueryAllPosts(ctx, stringArg(call.Args, "task_id"))
		if err != nil {
			return nil, err
		}
		if err := rt.corpus.Add(posts...); err != nil {
			return nil, fmt.Errorf("indexing posts: %w", err)
		}
		return marshalOutcome(map[string]interface{}{
			"loaded": len(posts),
			"corpus": rt.corpus.Stats(),
			"engagement": map[string]interface{}{
				"average":      rt.corpus.AverageEngagement(),
				"distribution": rt.corpus.EngagementDistribution(),
			},
		})

	case capability.CapCrawlerStatistics:
		stats, err := o.crawler.Statistics(ctx, stringArg(call.Args, "task_id"))
		if err != nil {
			return nil, err
		}
		return marshalOutcome(stats)

	case capability.CapAnalyzeSensitive:
		texts, err := o.corpusTexts(rt)
		if err != nil {
			return nil, err
		}
		summary, err := o.analysis.Sensitive(ctx, texts)
		if err != nil {
			return nil, err
		}
		return marshalOutcome(summary)

	case capability.CapAnalyzeSentiment:
		texts, err := o.corpusTexts(rt)
		if err != nil {
			return nil, err
		}
		summary, err := o.analysis.Sentiment(ctx, texts)
		if err != nil {
			return nil, err
		}
		return marshalOutcome(summary)

	case capability.CapExtractTopics:
		texts, err := o.corpusTexts(rt)
		if err != nil {
			return nil, err
		}
		topics, err := o.analysis.Topics(ctx, texts)
		if err != nil {
			return nil, err
		}
		return marshalOutcome(topics)

	case capability.CapDetectTrends:
		posts, err := o.corpusPosts(rt)
		if err != nil {
			return nil, err
		}
		trends, err := o.analysis.Trends(ctx, posts)
		if err != nil {
			return nil, err
		}
		return marshalOutcome(trends)

	case capability.CapAnalyzeEngagement:
		posts, err := o.corpusPosts(rt)
		if err != nil {
			return nil, err
		}
		summary, err := o.analysis.Engagement(ctx, posts)
		if err != nil {
			return nil, err
		}
		return marshalOutcome(summary)

	default:
		return nil, fmt.Errorf("%w: %s", toolcall.ErrUnknownCapability, call.Capability)
	}
}

// crawlRequest builds the crawler request from decision args, falling back
// to the analysis request for platform and keywords.
func (o *Orchestrator) crawlRequest(req AnalysisRequest, args map[string]interface{}) (CrawlTaskRequest, error) {
	platform := stringArg(args, "platform")
	if platform == "" && len(req.Platforms) > 0 {
		platform = req.Platforms[0]
	}
	if platform == "" {
		return CrawlTaskRequest{}, fmt.Errorf("platform required")
	}

	keywords := stringSliceArg(args, "keywords")
	if len(keywords) == 0 {
		keywords = req.Keywords
	}

	mode := stringArg(args, "mode")
	if mode == "" {
		mode = "search"
	}

	return CrawlTaskRequest{
		Platform:      platform,
		Keywords:      keywords,
		Mode:          mode,
		MaxPages:      intArg(args, "max_pages"),
		TimeRangeDays: intArg(args, "time_range_days"),
	}, nil
}

func (o *Orchestrator) corpusTexts(rt *taskRuntime) ([]string, error) {
	texts := rt.corpus.Texts(o.analysis.BatchLimit())
	if len(texts) == 0 {
		return nil, fmt.Errorf("no posts collected yet")
	}
	return texts, nil
}

func (o *Orchestrator) corpusPosts(rt *taskRuntime) ([]corpus.Post, error) {
	posts := rt.corpus.Posts()
	if len(posts) == 0 {
		return nil, fmt.Errorf("no posts collected yet")
	}
	if limit := o.analysis.BatchLimit(); len(posts) > limit {
		posts = posts[:limit]
	}
	return posts, nil
}

// recordHandlerEnd closes out the active handler's telemetry span, charging
// it the usage accrued since it was routed.
func (o *Orchestrator) recordHandlerEnd(ctx context.Context, rt *taskRuntime, success bool, errMsg string) {
	if !rt.handlerOpen {
		return
	}
	rt.handlerOpen = false
	now := time.Now()
	event := telemetry.HandlerEvent{
		ID:         rt.req.ID,
		Handler:    rt.machine.Handler(),
		StartTime:  rt.handlerStart,
		EndTime:    now,
		Duration:   now.Sub(rt.handlerStart),
		Success:    success,
		Error:      errMsg,
		Cost:       rt.usage.Cost - rt.costMark,
		TokensUsed: rt.usage.TokensUsed - rt.tokensMark,
	}
	rt.costMark = rt.usage.Cost
	rt.tokensMark = rt.usage.TokensUsed
	o.telemetry.RecordHandlerEvent(ctx, event)
}

func (o *Orchestrator) recordToolEvent(ctx context.Context, rec toolcall.Record) {
	event := telemetry.ToolEvent{
		Capability:   rec.Capability,
		Duration:     rec.Duration,
		Success:      rec.Err == nil,
		ShortCircuit: rec.ShortCircuit,
		Attempts:     rec.Attempts,
	}
	if rec.Err != nil {
		event.Error = rec.Err.Error()
	}
	o.telemetry.RecordToolEvent(ctx, event)
}

func (o *Orchestrator) buildResult(rt *taskRuntime, startTime time.Time, status string, partial bool) AnalysisResult {
	return AnalysisResult{
		ID:             rt.req.ID,
		Request:        rt.req,
		SessionID:      rt.sessionID,
		Report:         rt.agg.Finalize(partial),
		Status:         status,
		TurnsUsed:      rt.governor.Used(),
		HandlersUsed:   rt.handlers,
		LLMModelsUsed:  rt.usage.Models,
		ProcessingTime: time.Since(startTime),
		CostEstimate:   rt.usage.Cost,
		TokensUsed:     rt.usage.TokensUsed,
		CreatedAt:      time.Now(),
	}
}

func (o *Orchestrator) appendTurn(ctx context.Context, sessionID string, t session_models.Turn) {
	if _, err := o.sessions.Append(ctx, sessionID, t); err != nil {
		o.logger.Printf("warn: appending session turn failed: %v", err)
	}
}

// updateStatus updates the processing status of a task
func (o *Orchestrator) updateStatus(status *ProcessingStatus, newStatus, currentHandler string, turnsUsed int) {
	o.mu.Lock()
	defer o.mu.Unlock()

	status.Status = newStatus
	status.CurrentHandler = currentHandler
	status.TurnsUsed = turnsUsed
	status.LastUpdated = time.Now()
}

func (o *Orchestrator) failStatus(status *ProcessingStatus, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	status.Status = "failed"
	status.Error = err.Error()
	status.LastUpdated = time.Now()
}

// GetStatus returns the current status of an in-flight task
func (o *Orchestrator) GetStatus(taskID string) (ProcessingStatus, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	status, exists := o.processing[taskID]
	if !exists {
		return ProcessingStatus{}, fmt.Errorf("task not found: %s", taskID)
	}

	return *status, nil
}

// Cancel stops an in-flight task. The task loop observes the cancelled
// context on its next turn boundary.
func (o *Orchestrator) Cancel(taskID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	cancel, exists := o.cancels[taskID]
	if !exists {
		return fmt.Errorf("task not found: %s", taskID)
	}

	cancel()
	if status, ok := o.processing[taskID]; ok {
		status.Status = "cancelled"
		status.LastUpdated = time.Now()
	}

	return nil
}

// GetPerformanceMetrics returns performance metrics
func (o *Orchestrator) GetPerformanceMetrics() map[string]interface{} {
	metrics := o.telemetry.GetMetrics()
	costs := o.telemetry.GetCostSummary()

	return map[string]interface{}{
		"metrics": metrics,
		"costs":   costs,
	}
}

func marshalOutcome(v interface{}) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding capability result: %w", err)
	}
	return b, nil
}

func stringArg(args map[string]interface{}, key string) string {
	if args == nil {
		return ""
	}
	s, _ := args[key].(string)
	return s
}

func intArg(args map[string]interface{}, key string) int {
	if args == nil {
		return 0
	}
	switch v := args[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

func stringSliceArg(args map[string]interface{}, key string) []string {
	if args == nil {
		return nil
	}
	switch v := args[key].(type) {
	case []string:
		return v
	case []interface{}:
		var out []string
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
