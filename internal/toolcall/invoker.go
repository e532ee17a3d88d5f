package toolcall

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// Route binds a capability name to its HTTP endpoint.
type Route struct {
	Method string
	URL    string
}

// Call is one request through the invocation layer. A zero Timeout uses the
// invoker default.
type Call struct {
	Capability string
	Payload    interface{}
	Timeout    time.Duration
}

// Record describes a finished call for observers (session turns, metrics).
type Record struct {
	Capability   string
	Attempts     int
	Duration     time.Duration
	Err          error
	ShortCircuit bool
}

// Observer receives a Record after every call, including short-circuited ones.
type Observer func(ctx context.Context, rec Record)

// Config tunes timeouts, retries and the circuit breaker.
type Config struct {
	Timeout          time.Duration
	Retries          int
	Backoff          time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// Invoker is the uniform entry point for outbound capability calls: per-call
// timeout, bounded retries with exponential backoff on transient failures,
// and a per-capability circuit breaker in front of the network.
type Invoker struct {
	client   *http.Client
	routes   map[string]Route
	timeout  time.Duration
	retries  int
	backoff  time.Duration
	breaker  *Breaker
	logger   *log.Logger
	observer Observer
}

// NewInvoker builds an invoker over the given capability routes.
func NewInvoker(routes map[string]Route, cfg Config, logger *log.Logger) *Invoker {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.Backoff == 0 {
		cfg.Backoff = 300 * time.Millisecond
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[TOOLCALL] ", log.LstdFlags)
	}
	own := make(map[string]Route, len(routes))
	for k, v := range routes {
		own[k] = v
	}
	return &Invoker{
		client:  &http.Client{},
		routes:  own,
		timeout: cfg.Timeout,
		retries: cfg.Retries,
		backoff: cfg.Backoff,
		breaker: NewBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown),
		logger:  logger,
	}
}

// OnCall installs the observer invoked after every call.
func (inv *Invoker) OnCall(fn Observer) { inv.observer = fn }

// BreakerState exposes the circuit state for a capability.
func (inv *Invoker) BreakerState(capability string) string {
	return inv.breaker.State(capability)
}

// Invoke runs one call and returns the raw JSON response body. Transient
// failures are retried with exponential backoff; permanent remote errors and
// open circuits fail immediately.
func (inv *Invoker) Invoke(ctx context.Context, call Call) (json.RawMessage, error) {
	route, ok := inv.routes[call.Capability]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCapability, call.Capability)
	}

	started := time.Now()
	if err := inv.breaker.Allow(call.Capability); err != nil {
		inv.logger.Printf("warn: %s short-circuited: %v", call.Capability, err)
		inv.notify(ctx, Record{Capability: call.Capability, Duration: time.Since(started), Err: err, ShortCircuit: true})
		return nil, err
	}

	timeout := call.Timeout
	if timeout == 0 {
		timeout = inv.timeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body []byte
	if call.Payload != nil {
		b, err := json.Marshal(call.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", call.Capability, err)
		}
		body = b
	}

	out, attempts, err := inv.do(callCtx, call.Capability, route, body)
	if err != nil {
		inv.breaker.Failure(call.Capability)
	} else {
		inv.breaker.Success(call.Capability)
	}
	inv.notify(ctx, Record{Capability: call.Capability, Attempts: attempts, Duration: time.Since(started), Err: err})
	return out, err
}

func (inv *Invoker) do(ctx context.Context, capability string, route Route, body []byte) (json.RawMessage, int, error) {
	var lastErr error
	tries := inv.retries + 1
	for attempt := 0; attempt < tries; attempt++ {
		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, route.Method, route.URL, bodyReader)
		if err != nil {
			return nil, attempt + 1, err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := inv.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, attempt + 1, &TransientError{Cause: ctx.Err()}
			}
			lastErr = &TransientError{Cause: err}
		} else {
			out, derr := drainResponse(capability, resp)
			if derr == nil {
				return out, attempt + 1, nil
			}
			var transient *TransientError
			if !errors.As(derr, &transient) {
				return nil, attempt + 1, derr
			}
			lastErr = derr
		}

		if attempt < tries-1 {
			select {
			case <-time.After(inv.backoff * time.Duration(1<<attempt)):
			case <-ctx.Done():
				return nil, attempt + 1, &TransientError{Cause: ctx.Err()}
			}
		}
	}
	return nil, tries, lastErr
}

func drainResponse(capability string, resp *http.Response) (json.RawMessage, error) {
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		out, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, &TransientError{Cause: err}
		}
		return out, nil
	}
	// read response body (best-effort) to include in the error
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := remoteMessage(b)
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, &TransientError{Cause: &RemoteError{Capability: capability, Status: resp.StatusCode, Message: msg}}
	}
	return nil, &RemoteError{Capability: capability, Status: resp.StatusCode, Message: msg}
}

func remoteMessage(body []byte) string {
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Error != "" {
			return payload.Error
		}
		if payload.Message != "" {
			return payload.Message
		}
	}
	return string(body)
}

func (inv *Invoker) notify(ctx context.Context, rec Record) {
	if inv.observer != nil {
		inv.observer(ctx, rec)
	}
}
