package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rhuss/chatgate/pkg/api"
	"github.com/rhuss/chatgate/pkg/resilience"
	"github.com/rhuss/chatgate/pkg/router"
)

func fastPolicies() resilience.Config {
	cfg := resilience.DefaultConfig()
	cfg.Retry.InitialInterval = time.Millisecond
	cfg.Retry.MaxInterval = 5 * time.Millisecond
	cfg.TimeLimiter.Timeout = 5 * time.Second
	return cfg
}

func newGateway(t *testing.T, pcfg resilience.Config, gcfg Config, engines map[string]string) (*Gateway, *resilience.Policies) {
	t.Helper()
	var routes []router.Route
	for name, url := range engines {
		routes = append(routes, router.Route{Engine: name, BaseURL: url, Model: name + "-model"})
	}
	r, err := router.New(routes, "vllm")
	if err != nil {
		t.Fatalf("router.New: %v", err)
	}
	policies := resilience.NewPolicies(pcfg, nil)
	gw := New(r, policies, gcfg)
	t.Cleanup(func() { gw.Close() })
	return gw, policies
}

func sseHandler(hits *atomic.Int32, chunks ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, c := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", c)
			flusher.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}
}

func textChunk(text string) string {
	return fmt.Sprintf(`{"id":"c1","choices":[{"index":0,"delta":{"content":%q}}]}`, text)
}

const stopChunk = `{"id":"c1","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`

func collect(t *testing.T, ch <-chan api.Event) []api.Event {
	t.Helper()
	var events []api.Event
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("stream did not finish")
		}
	}
}

func terminalOf(t *testing.T, events []api.Event) api.Event {
	t.Helper()
	if len(events) == 0 {
		t.Fatal("no events")
	}
	terminals := 0
	for _, ev := range events {
		if ev.IsTerminal() {
			terminals++
		}
	}
	last := events[len(events)-1]
	if terminals != 1 || !last.IsTerminal() {
		t.Fatalf("want exactly one terminal event at the end, got %d terminals, last %s", terminals, last.Type)
	}
	return last
}

func TestStreamText(t *testing.T) {
	srv := httptest.NewServer(sseHandler(nil, textChunk("Hello"), textChunk(", world"), stopChunk))
	defer srv.Close()
	gw, _ := newGateway(t, fastPolicies(), Config{}, map[string]string{"vllm": srv.URL})

	events := collect(t, gw.Stream(context.Background(), &api.GatewayRequest{
		TraceID:  "trace-1",
		Messages: []api.Message{{Role: api.RoleUser, Content: "hi"}},
	}, "vllm"))

	if events[0].Type != api.EventMeta {
		t.Fatalf("first event = %s, want meta", events[0].Type)
	}
	meta := events[0].Meta
	if meta.Engine != "vllm" || meta.Model != "vllm-model" || meta.Mode != api.ModeDirect || meta.TraceID != "trace-1" {
		t.Errorf("meta = %+v", meta)
	}

	var text string
	for _, ev := range events {
		if ev.Type == api.EventDelta && ev.Delta.Kind == api.DeltaText {
			text += ev.Delta.Text
		}
	}
	if text != "Hello, world" {
		t.Errorf("text = %q", text)
	}
	if done := terminalOf(t, events); done.Type != api.EventDone || done.Done.FinishReason != api.FinishStop {
		t.Errorf("terminal = %+v", done)
	}
}

func TestStreamUnknownEngineUsesDefault(t *testing.T) {
	srv := httptest.NewServer(sseHandler(nil, textChunk("x"), stopChunk))
	defer srv.Close()
	gw, _ := newGateway(t, fastPolicies(), Config{}, map[string]string{"vllm": srv.URL, "gguf": srv.URL})

	events := collect(t, gw.Stream(context.Background(), &api.GatewayRequest{TraceID: "t"}, "does-not-exist"))
	if events[0].Meta.Engine != "vllm" {
		t.Errorf("engine = %q, want vllm", events[0].Meta.Engine)
	}
	terminalOf(t, events)
}

func TestStreamClientErrorIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"message":"context length exceeded","type":"invalid_request_error"}}`)
	}))
	defer srv.Close()
	gw, _ := newGateway(t, fastPolicies(), Config{}, map[string]string{"vllm": srv.URL})

	ev := terminalOf(t, collect(t, gw.Stream(context.Background(), &api.GatewayRequest{TraceID: "t"}, "vllm")))
	if ev.Type != api.EventError || ev.Error.Code != api.CodeUpstreamRejected {
		t.Fatalf("terminal = %+v", ev)
	}
	if ev.Error.TraceID != "t" {
		t.Errorf("trace id = %q", ev.Error.TraceID)
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("engine hit %d times, want 1", got)
	}
}

func TestStreamServerErrorIsRetried(t *testing.T) {
	var hits atomic.Int32
	ok := sseHandler(nil, textChunk("recovered"), stopChunk)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		ok(w, r)
	}))
	defer srv.Close()
	gw, _ := newGateway(t, fastPolicies(), Config{}, map[string]string{"vllm": srv.URL})

	ev := terminalOf(t, collect(t, gw.Stream(context.Background(), &api.GatewayRequest{TraceID: "t"}, "vllm")))
	if ev.Type != api.EventDone {
		t.Fatalf("terminal = %+v", ev)
	}
	if got := hits.Load(); got != 3 {
		t.Errorf("engine hit %d times, want 3", got)
	}
}

func TestStreamOpenBreakerSkipsEngine(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	pcfg := fastPolicies()
	pcfg.Retry.MaxAttempts = 1
	pcfg.CircuitBreaker.MinimumCalls = 2
	gw, policies := newGateway(t, pcfg, Config{}, map[string]string{"vllm": srv.URL})

	for i := 0; i < 2; i++ {
		ev := terminalOf(t, collect(t, gw.Stream(context.Background(), &api.GatewayRequest{TraceID: "t"}, "vllm")))
		if ev.Error == nil || ev.Error.Code != api.CodeUpstreamError {
			t.Fatalf("call %d: terminal = %+v", i, ev)
		}
	}
	if got := policies.For("vllm").Breaker.State(); got != resilience.StateOpen {
		t.Fatalf("breaker = %s, want OPEN", got)
	}

	ev := terminalOf(t, collect(t, gw.Stream(context.Background(), &api.GatewayRequest{TraceID: "t"}, "vllm")))
	if ev.Error == nil || ev.Error.Code != api.CodeEngineUnavailable {
		t.Fatalf("terminal = %+v, want ENGINE_UNAVAILABLE", ev)
	}
	if got := hits.Load(); got != 2 {
		t.Errorf("engine hit %d times while open, want 2", got)
	}

	engines := gw.Engines()
	if len(engines) != 1 || engines[0].Breaker != resilience.StateOpen || !engines[0].Default {
		t.Errorf("Engines() = %+v", engines)
	}
}

func TestStreamTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "data: %s\n\n", textChunk("partial"))
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()
	gw, _ := newGateway(t, fastPolicies(), Config{StreamTimeout: 100 * time.Millisecond}, map[string]string{"vllm": srv.URL})

	events := collect(t, gw.Stream(context.Background(), &api.GatewayRequest{TraceID: "t"}, "vllm"))
	ev := terminalOf(t, events)
	if ev.Error == nil || ev.Error.Code != api.CodeUpstreamTimeout {
		t.Fatalf("terminal = %+v, want UPSTREAM_TIMEOUT", ev)
	}
}

func TestStreamUnreachableEngine(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	pcfg := fastPolicies()
	pcfg.Retry.MaxAttempts = 2
	gw, _ := newGateway(t, pcfg, Config{}, map[string]string{"vllm": url})

	ev := terminalOf(t, collect(t, gw.Stream(context.Background(), &api.GatewayRequest{TraceID: "t"}, "vllm")))
	if ev.Error == nil || ev.Error.Code != api.CodeUpstreamError {
		t.Fatalf("terminal = %+v, want UPSTREAM_ERROR", ev)
	}
}

func TestStreamMalformedChunk(t *testing.T) {
	srv := httptest.NewServer(sseHandler(nil, textChunk("ok"), `{"id":"c1","choices":[}`))
	defer srv.Close()
	gw, _ := newGateway(t, fastPolicies(), Config{}, map[string]string{"vllm": srv.URL})

	ev := terminalOf(t, collect(t, gw.Stream(context.Background(), &api.GatewayRequest{TraceID: "t"}, "vllm")))
	if ev.Error == nil || ev.Error.Code != api.CodeStreamProtocolError {
		t.Fatalf("terminal = %+v, want STREAM_PROTOCOL_ERROR", ev)
	}
}

func TestStreamCallerCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "data: %s\n\n", textChunk("partial"))
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()
	gw, _ := newGateway(t, fastPolicies(), Config{}, map[string]string{"vllm": srv.URL})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := gw.Stream(ctx, &api.GatewayRequest{TraceID: "t"}, "vllm")
	for ev := range ch {
		if ev.Type == api.EventDelta {
			cancel()
			break
		}
	}
	// The channel must still be closed.
	collect(t, ch)
}

func TestBreakerRecordsStreamOutcome(t *testing.T) {
	crash := `{"error":{"message":"engine crashed"}}`
	slow := func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "data: %s\n\n", textChunk("thinking"))
		w.(http.Flusher).Flush()
		time.Sleep(80 * time.Millisecond)
		fmt.Fprintf(w, "data: %s\n\ndata: [DONE]\n\n", stopChunk)
	}
	tests := []struct {
		name    string
		handler func(hits *atomic.Int32) http.HandlerFunc
		code    string
		state   resilience.State
	}{
		{
			name:    "error chunk after 200",
			handler: func(hits *atomic.Int32) http.HandlerFunc { return sseHandler(hits, textChunk("a"), crash) },
			code:    api.CodeUpstreamError,
			state:   resilience.StateOpen,
		},
		{
			name: "malformed chunk",
			handler: func(hits *atomic.Int32) http.HandlerFunc {
				return sseHandler(hits, `{"id":"c1","choices":[}`)
			},
			code:  api.CodeStreamProtocolError,
			state: resilience.StateOpen,
		},
		{
			name: "truncated stream",
			handler: func(hits *atomic.Int32) http.HandlerFunc {
				return func(w http.ResponseWriter, r *http.Request) {
					hits.Add(1)
					w.Header().Set("Content-Type", "text/event-stream")
					fmt.Fprintf(w, "data: %s\n\n", textChunk("cut"))
				}
			},
			code:  api.CodeStreamTruncated,
			state: resilience.StateOpen,
		},
		{
			name: "slow stream with fast headers",
			handler: func(hits *atomic.Int32) http.HandlerFunc {
				return func(w http.ResponseWriter, r *http.Request) {
					hits.Add(1)
					slow(w, r)
				}
			},
			state: resilience.StateOpen,
		},
		{
			name:    "healthy stream",
			handler: func(hits *atomic.Int32) http.HandlerFunc { return sseHandler(hits, textChunk("fine"), stopChunk) },
			state:   resilience.StateClosed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hits atomic.Int32
			srv := httptest.NewServer(tt.handler(&hits))
			defer srv.Close()

			pcfg := fastPolicies()
			pcfg.Retry.MaxAttempts = 1
			pcfg.CircuitBreaker.SlidingWindowSize = 4
			pcfg.CircuitBreaker.MinimumCalls = 2
			pcfg.CircuitBreaker.SlowCallDuration = 50 * time.Millisecond
			pcfg.CircuitBreaker.SlowCallRateThreshold = 50
			gw, policies := newGateway(t, pcfg, Config{}, map[string]string{"vllm": srv.URL})

			for i := 0; i < 2; i++ {
				ev := terminalOf(t, collect(t, gw.Stream(context.Background(), &api.GatewayRequest{TraceID: "t"}, "vllm")))
				if tt.code != "" && (ev.Error == nil || ev.Error.Code != tt.code) {
					t.Fatalf("call %d: terminal = %+v, want %s", i, ev, tt.code)
				}
			}
			if got := policies.For("vllm").Breaker.State(); got != tt.state {
				t.Fatalf("breaker = %s, want %s (%+v)", got, tt.state, policies.For("vllm").Breaker.Snapshot())
			}
			if tt.state != resilience.StateOpen {
				return
			}

			ev := terminalOf(t, collect(t, gw.Stream(context.Background(), &api.GatewayRequest{TraceID: "t"}, "vllm")))
			if ev.Error == nil || ev.Error.Code != api.CodeEngineUnavailable {
				t.Fatalf("terminal = %+v, want ENGINE_UNAVAILABLE", ev)
			}
			if got := hits.Load(); got != 2 {
				t.Errorf("engine hit %d times, want 2", got)
			}
		})
	}
}

func TestCallerCancellationLeavesBreakerUntouched(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "data: %s\n\n", textChunk("partial"))
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()
	gw, policies := newGateway(t, fastPolicies(), Config{}, map[string]string{"vllm": srv.URL})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := gw.Stream(ctx, &api.GatewayRequest{TraceID: "t"}, "vllm")
	for ev := range ch {
		if ev.Type == api.EventDelta {
			cancel()
			break
		}
	}
	collect(t, ch)

	if snap := policies.For("vllm").Breaker.Snapshot(); snap.BufferedCalls != 0 {
		t.Errorf("cancelled stream was recorded: %+v", snap)
	}
}
