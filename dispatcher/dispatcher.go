// Package dispatcher implements EventDispatcher (spec §4.8): resolving the
// active handler for a queue, gating the call through its circuit breaker,
// invoking the handler (HTTP webhook or in-process function), classifying
// the outcome, and reporting success/failure back to the breaker. It does
// not itself mutate message state — the caller (the engine's processing
// loop) turns a Result into an Ack/Nack against MessageProcessor, keeping
// "did the call succeed" separate from "what should happen to the message."
package dispatcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hazyhaar/vqm/breaker"
	"github.com/hazyhaar/vqm/kit"
	"github.com/hazyhaar/vqm/storage"
)

// Outcome classifies a dispatch attempt (spec §4.8 "classify 2xx / 4xx /
// 5xx").
type Outcome string

const (
	// OutcomeSuccess: handler returned 2xx or an in-process call returned nil.
	OutcomeSuccess Outcome = "success"
	// OutcomeClientError: handler returned 4xx. Treated as the caller's
	// fault, not the dependency's — it does not count as a breaker failure,
	// but is never worth retrying (spec §4.8 "4xx is terminal").
	OutcomeClientError Outcome = "client_error"
	// OutcomeServerError: handler returned 5xx, timed out, or an in-process
	// call returned an error. Counts as a breaker failure and is retryable
	// per the engine-wide retry strategy.
	OutcomeServerError Outcome = "server_error"
	// OutcomeBreakerOpen: the call never reached the handler; the breaker
	// rejected it outright.
	OutcomeBreakerOpen Outcome = "breaker_open"
	// OutcomeNoHandler: the queue has no active Handler registered.
	OutcomeNoHandler Outcome = "no_handler"
)

// Result is the outcome of one Dispatch call.
type Result struct {
	Outcome    Outcome
	StatusCode int // HTTP webhook only; 0 for in-process
	Err        error
	RetryAfter time.Duration // populated on OutcomeBreakerOpen
}

// InvokeFunc is an in-process handler registered for a handler id (spec §3
// HandlerKind.InProcess): application code that processes the payload
// directly instead of over HTTP.
type InvokeFunc func(ctx context.Context, payload []byte, headers map[string]string) error

// Dispatcher is the EventDispatcher component.
type Dispatcher struct {
	store      *storage.Store
	breakers   *breaker.Manager
	httpClient *http.Client
	chain      kit.Middleware

	inProcess map[string]InvokeFunc
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithHTTPClient overrides the default HTTP client used for webhook handlers.
func WithHTTPClient(c *http.Client) Option { return func(d *Dispatcher) { d.httpClient = c } }

// WithMiddleware wraps every handler invocation (webhook or in-process) with
// additional cross-cutting concerns (e.g. request logging), composed via
// kit.Chain.
func WithMiddleware(mws ...kit.Middleware) Option {
	return func(d *Dispatcher) { d.chain = kit.Chain(mws...) }
}

// New creates a Dispatcher. breakers must not be nil.
func New(store *storage.Store, breakers *breaker.Manager, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:      store,
		breakers:   breakers,
		httpClient: &http.Client{},
		chain:      kit.Chain(),
		inProcess:  make(map[string]InvokeFunc),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// RegisterInProcessHandler installs the callback invoked for an in-process
// Handler row with the given handler id.
func (d *Dispatcher) RegisterInProcessHandler(handlerID string, fn InvokeFunc) {
	d.inProcess[handlerID] = fn
}

// Dispatch resolves msg's queue's active handler, gates the call through its
// breaker, invokes it, and reports the outcome to the breaker.
func (d *Dispatcher) Dispatch(ctx context.Context, msg *storage.Message) (Result, error) {
	handler, err := d.store.ActiveHandler(ctx, msg.QueueID)
	if errors.Is(err, storage.ErrNotFound) {
		return Result{Outcome: OutcomeNoHandler}, nil
	}
	if err != nil {
		return Result{}, err
	}

	b := d.breakers.Get(handler.ID, breaker.Config{
		WindowSize:     handler.BreakerConf.WindowSize,
		ThresholdRatio: handler.BreakerConf.ThresholdRatio,
		MinCalls:       handler.BreakerConf.MinCalls,
		ResetTimeoutS:  handler.BreakerConf.ResetTimeoutS,
		ProbeCount:     handler.BreakerConf.ProbeCount,
	})

	done, err := b.Allow()
	if errors.Is(err, breaker.ErrOpen) {
		return Result{Outcome: OutcomeBreakerOpen, RetryAfter: b.ResetTimeout()}, nil
	}
	if err != nil {
		return Result{}, err
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if handler.TimeoutMs > 0 {
		callCtx, cancel = context.WithTimeout(ctx, time.Duration(handler.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	endpoint := d.chain(d.endpointFor(handler))
	resp, callErr := endpoint(callCtx, msg)

	result := classify(handler.Kind, resp, callErr)
	done(result.Outcome == OutcomeSuccess || result.Outcome == OutcomeClientError)
	return result, nil
}

func (d *Dispatcher) endpointFor(h *storage.Handler) kit.Endpoint {
	switch h.Kind {
	case storage.HandlerHTTPWebhook:
		return d.webhookEndpoint(h)
	case storage.HandlerInProcess:
		return d.inProcessEndpoint(h)
	default:
		return func(context.Context, any) (any, error) {
			return nil, fmt.Errorf("dispatcher: unknown handler kind %q", h.Kind)
		}
	}
}

func (d *Dispatcher) webhookEndpoint(h *storage.Handler) kit.Endpoint {
	return func(ctx context.Context, req any) (any, error) {
		msg := req.(*storage.Message)
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.Endpoint, bytes.NewReader(msg.Payload))
		if err != nil {
			return nil, fmt.Errorf("dispatcher: build request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/octet-stream")
		httpReq.Header.Set("X-Message-Id", msg.ID)
		for k, v := range msg.Headers {
			httpReq.Header.Set("X-VQM-"+k, v)
		}

		resp, err := d.httpClient.Do(httpReq)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}
}

func (d *Dispatcher) inProcessEndpoint(h *storage.Handler) kit.Endpoint {
	return func(ctx context.Context, req any) (any, error) {
		msg := req.(*storage.Message)
		fn, ok := d.inProcess[h.ID]
		if !ok {
			return nil, fmt.Errorf("dispatcher: no in-process handler registered for %s", h.ID)
		}
		return nil, fn(ctx, msg.Payload, msg.Headers)
	}
}

func classify(kind storage.HandlerKind, resp any, callErr error) Result {
	if kind == storage.HandlerHTTPWebhook {
		if callErr != nil {
			return Result{Outcome: OutcomeServerError, Err: callErr}
		}
		status, _ := resp.(int)
		switch {
		case status >= 200 && status < 300:
			return Result{Outcome: OutcomeSuccess, StatusCode: status}
		case status >= 400 && status < 500:
			return Result{Outcome: OutcomeClientError, StatusCode: status, Err: fmt.Errorf("dispatcher: client error status %d", status)}
		default:
			return Result{Outcome: OutcomeServerError, StatusCode: status, Err: fmt.Errorf("dispatcher: server error status %d", status)}
		}
	}

	if callErr != nil {
		return Result{Outcome: OutcomeServerError, Err: callErr}
	}
	return Result{Outcome: OutcomeSuccess}
}
