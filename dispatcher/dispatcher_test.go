package dispatcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hazyhaar/vqm/breaker"
	"github.com/hazyhaar/vqm/storage"
)

func newTestQueueAndHandler(t *testing.T, store *storage.Store, kind storage.HandlerKind, endpoint string) (*storage.Queue, *storage.Handler) {
	t.Helper()
	ctx := context.Background()
	q := &storage.Queue{ID: "q1", Name: "q1", TenantID: "t", State: storage.QueueActive}
	if err := store.CreateQueue(ctx, q); err != nil {
		t.Fatal(err)
	}
	h := &storage.Handler{ID: "h1", QueueID: q.ID, Endpoint: endpoint, Kind: kind, TimeoutMs: 2000}
	if err := store.UpsertHandler(ctx, h); err != nil {
		t.Fatal(err)
	}
	return q, h
}

func TestDispatcher_WebhookSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := storage.OpenMemory(t)
	q, _ := newTestQueueAndHandler(t, store, storage.HandlerHTTPWebhook, srv.URL)
	d := New(store, breaker.NewManager(nil))

	msg := &storage.Message{ID: "m1", QueueID: q.ID, Payload: []byte("hi")}
	res, err := d.Dispatch(context.Background(), msg)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeSuccess {
		t.Fatalf("want success, got %+v", res)
	}
}

func TestDispatcher_WebhookClientErrorIsTerminalButNotBreakerFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	store := storage.OpenMemory(t)
	q, _ := newTestQueueAndHandler(t, store, storage.HandlerHTTPWebhook, srv.URL)
	d := New(store, breaker.NewManager(nil))

	msg := &storage.Message{ID: "m1", QueueID: q.ID, Payload: []byte("hi")}
	res, err := d.Dispatch(context.Background(), msg)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeClientError {
		t.Fatalf("want client_error, got %+v", res)
	}
}

func TestDispatcher_WebhookServerErrorTripsBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	store := storage.OpenMemory(t)
	q, _ := newTestQueueAndHandler(t, store, storage.HandlerHTTPWebhook, srv.URL)
	// A breaker that trips after 1 failing call out of 1.
	if err := store.UpsertHandler(context.Background(), &storage.Handler{
		ID: "h1", QueueID: q.ID, Endpoint: srv.URL, Kind: storage.HandlerHTTPWebhook, TimeoutMs: 2000,
		BreakerConf: storage.BreakerConfig{MinCalls: 1, ThresholdRatio: 0.5, ResetTimeoutS: 30, ProbeCount: 1},
	}); err != nil {
		t.Fatal(err)
	}

	d := New(store, breaker.NewManager(nil))
	msg := &storage.Message{ID: "m1", QueueID: q.ID, Payload: []byte("hi")}

	res, err := d.Dispatch(context.Background(), msg)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeServerError {
		t.Fatalf("want server_error, got %+v", res)
	}

	res2, err := d.Dispatch(context.Background(), msg)
	if err != nil {
		t.Fatal(err)
	}
	if res2.Outcome != OutcomeBreakerOpen {
		t.Fatalf("want breaker_open on second call, got %+v", res2)
	}
}

func TestDispatcher_InProcessHandler(t *testing.T) {
	store := storage.OpenMemory(t)
	q, h := newTestQueueAndHandler(t, store, storage.HandlerInProcess, "")
	d := New(store, breaker.NewManager(nil))

	var gotPayload []byte
	d.RegisterInProcessHandler(h.ID, func(ctx context.Context, payload []byte, headers map[string]string) error {
		gotPayload = payload
		return nil
	})

	msg := &storage.Message{ID: "m1", QueueID: q.ID, Payload: []byte("payload")}
	res, err := d.Dispatch(context.Background(), msg)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeSuccess {
		t.Fatalf("want success, got %+v", res)
	}
	if string(gotPayload) != "payload" {
		t.Fatalf("want payload forwarded, got %q", gotPayload)
	}
}

func TestDispatcher_InProcessHandlerError(t *testing.T) {
	store := storage.OpenMemory(t)
	q, h := newTestQueueAndHandler(t, store, storage.HandlerInProcess, "")
	d := New(store, breaker.NewManager(nil))

	wantErr := errors.New("boom")
	d.RegisterInProcessHandler(h.ID, func(ctx context.Context, payload []byte, headers map[string]string) error {
		return wantErr
	})

	msg := &storage.Message{ID: "m1", QueueID: q.ID, Payload: []byte("x")}
	res, err := d.Dispatch(context.Background(), msg)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeServerError {
		t.Fatalf("want server_error, got %+v", res)
	}
}

func TestDispatcher_NoHandlerRegistered(t *testing.T) {
	store := storage.OpenMemory(t)
	ctx := context.Background()
	q := &storage.Queue{ID: "q1", Name: "q1", TenantID: "t", State: storage.QueueActive}
	if err := store.CreateQueue(ctx, q); err != nil {
		t.Fatal(err)
	}
	d := New(store, breaker.NewManager(nil))

	msg := &storage.Message{ID: "m1", QueueID: q.ID, Payload: []byte("x")}
	res, err := d.Dispatch(ctx, msg)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeNoHandler {
		t.Fatalf("want no_handler, got %+v", res)
	}
}

func TestDispatcher_TimeoutCountsAsServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := storage.OpenMemory(t)
	ctx := context.Background()
	q := &storage.Queue{ID: "q1", Name: "q1", TenantID: "t", State: storage.QueueActive}
	if err := store.CreateQueue(ctx, q); err != nil {
		t.Fatal(err)
	}
	if err := store.UpsertHandler(ctx, &storage.Handler{
		ID: "h1", QueueID: q.ID, Endpoint: srv.URL, Kind: storage.HandlerHTTPWebhook, TimeoutMs: 5,
	}); err != nil {
		t.Fatal(err)
	}

	d := New(store, breaker.NewManager(nil))
	msg := &storage.Message{ID: "m1", QueueID: q.ID, Payload: []byte("x")}
	res, err := d.Dispatch(ctx, msg)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeServerError {
		t.Fatalf("want server_error on timeout, got %+v", res)
	}
}
