package streaminghttp_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/rpc-server-go/identity"
	"github.com/ggoodman/rpc-server-go/identity/identitytest"
	"github.com/ggoodman/rpc-server-go/metrics"
	"github.com/ggoodman/rpc-server-go/rpc"
	"github.com/ggoodman/rpc-server-go/store"
	"github.com/ggoodman/rpc-server-go/store/memory"
	"github.com/ggoodman/rpc-server-go/streaminghttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// ============================================================================
// Test procedures
// ============================================================================

type helloInput struct {
	Name string `json:"name" validate:"required"`
}

type helloOutput struct {
	Message string `json:"message"`
}

type countInput struct {
	N       int `json:"n" validate:"min=1,max=10"`
	DelayMs int `json:"delayMs,omitempty"`
}

func testRouter(t *testing.T, extra rpc.Namespace) *rpc.Router {
	t.Helper()

	whoami := func(_ context.Context, c *rpc.Context, _ rpc.Void) (identity.Identity, error) {
		id, _ := c.Identity()
		return id, nil
	}

	base := rpc.Namespace{
		"greet": rpc.Namespace{
			"hello": rpc.Query(rpc.PublicProcedure, func(_ context.Context, _ *rpc.Context, in helloInput) (helloOutput, error) {
				return helloOutput{Message: "hello " + in.Name}, nil
			}),
			"secret": rpc.Query(rpc.ProtectedProcedure, whoami),
			"admin":  rpc.Query(rpc.AdminProcedure, whoami),
			"broken": rpc.Query(rpc.PublicProcedure, func(context.Context, *rpc.Context, rpc.Void) (rpc.Void, error) {
				return rpc.Void{}, fmt.Errorf("database password is hunter2")
			}),
		},
		"tasks": rpc.Namespace{
			"count": rpc.Stream(rpc.PublicProcedure, func(ctx context.Context, _ *rpc.Context, in countInput) iter.Seq2[rpc.Chunk[int], error] {
				return func(yield func(rpc.Chunk[int], error) bool) {
					for i := 1; i <= in.N; i++ {
						if i > 1 && in.DelayMs > 0 {
							if err := rpc.Sleep(ctx, time.Duration(in.DelayMs)*time.Millisecond); err != nil {
								yield(rpc.Chunk[int]{}, err)
								return
							}
						}
						if !yield(rpc.Chunk[int]{Step: i, Total: in.N, Payload: i * 10}, nil) {
							return
						}
					}
				}
			}),
		},
	}

	r, err := rpc.NewRouter(base)
	if err != nil {
		t.Fatalf("router: %v", err)
	}
	if extra == nil {
		return r
	}
	x, err := rpc.NewRouter(extra)
	if err != nil {
		t.Fatalf("router: %v", err)
	}
	m, err := rpc.Merge(r, x)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	return m
}

// ============================================================================
// Tests
// ============================================================================

func TestJSONMode(t *testing.T) {
	srv := mustServer(t, testRouter(t, nil))
	defer srv.Close()

	t.Run("single call", func(t *testing.T) {
		resp := mustPost(t, srv, `{"id":"a","path":"greet.hello","input":{"name":"ada"}}`, nil)
		defer resp.Body.Close()
		assertStatus(t, resp, http.StatusOK)
		if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
			t.Fatalf("unexpected content type %q", ct)
		}

		var f frame
		mustDecode(t, resp.Body, &f)
		if string(f.ID) != `"a"` || f.Error != nil {
			t.Fatalf("unexpected frame %+v", f)
		}
		var out helloOutput
		mustUnmarshalJSON(t, f.Result, &out)
		if out.Message != "hello ada" {
			t.Fatalf("unexpected result %+v", out)
		}
	})

	t.Run("missing id defaults to index", func(t *testing.T) {
		resp := mustPost(t, srv, `{"path":"greet.hello","input":{"name":"x"}}`, nil)
		defer resp.Body.Close()
		var f frame
		mustDecode(t, resp.Body, &f)
		if string(f.ID) != "0" {
			t.Fatalf("unexpected id %s", f.ID)
		}
	})

	cases := []struct {
		name    string
		body    string
		headers map[string]string
		status  int
		kind    string
	}{
		{"unauthenticated", `{"path":"greet.secret"}`, nil, http.StatusUnauthorized, "UNAUTHENTICATED"},
		{"forbidden", `{"path":"greet.admin"}`, map[string]string{"X-Test-User": "u1"}, http.StatusForbidden, "FORBIDDEN"},
		{"bad input", `{"path":"greet.hello","input":{}}`, nil, http.StatusBadRequest, "BAD_INPUT"},
		{"not found", `{"path":"greet.nope"}`, nil, http.StatusNotFound, "NOT_FOUND"},
		{"internal", `{"path":"greet.broken"}`, nil, http.StatusInternalServerError, "INTERNAL"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := mustPost(t, srv, tc.body, tc.headers)
			defer resp.Body.Close()
			assertStatus(t, resp, tc.status)

			var f frame
			mustDecode(t, resp.Body, &f)
			if f.Error == nil || f.Error.Kind != tc.kind {
				t.Fatalf("expected %s error frame, got %+v", tc.kind, f)
			}
			if f.Result != nil {
				t.Fatal("error frame carries a result")
			}
		})
	}

	t.Run("internal message is generic", func(t *testing.T) {
		resp := mustPost(t, srv, `{"path":"greet.broken"}`, nil)
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		if strings.Contains(string(body), "hunter2") {
			t.Fatalf("internal detail leaked: %s", body)
		}
	})

	t.Run("bad input lists fields", func(t *testing.T) {
		resp := mustPost(t, srv, `{"path":"greet.hello","input":{"name":""}}`, nil)
		defer resp.Body.Close()
		var f frame
		mustDecode(t, resp.Body, &f)
		if len(f.Error.Fields) != 1 || f.Error.Fields[0].Path != "name" {
			t.Fatalf("unexpected fields %+v", f.Error.Fields)
		}
	})

	t.Run("authenticated", func(t *testing.T) {
		resp := mustPost(t, srv, `{"path":"greet.admin"}`, map[string]string{
			"X-Test-User": "root",
			"X-Test-Role": string(identity.RoleAdministrator),
		})
		defer resp.Body.Close()
		assertStatus(t, resp, http.StatusOK)
		var f frame
		mustDecode(t, resp.Body, &f)
		var id identity.Identity
		mustUnmarshalJSON(t, f.Result, &id)
		if id.UserID != "root" || id.Role != identity.RoleAdministrator {
			t.Fatalf("unexpected identity %+v", id)
		}
	})
}

func TestBatch(t *testing.T) {
	srv := mustServer(t, testRouter(t, nil))
	defer srv.Close()

	cases := []struct {
		name   string
		body   string
		status int
		kinds  []string
	}{
		{
			"all ok",
			`[{"id":1,"path":"greet.hello","input":{"name":"a"}},{"id":2,"path":"greet.hello","input":{"name":"b"}}]`,
			http.StatusOK,
			[]string{"", ""},
		},
		{
			"same failure",
			`[{"path":"greet.secret"},{"path":"greet.admin"}]`,
			http.StatusUnauthorized,
			[]string{"UNAUTHENTICATED", "UNAUTHENTICATED"},
		},
		{
			"mixed",
			`[{"path":"greet.secret"},{"path":"greet.hello","input":{"name":"a"}},{"path":"missing.proc"}]`,
			http.StatusMultiStatus,
			[]string{"UNAUTHENTICATED", "", "NOT_FOUND"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := mustPost(t, srv, tc.body, nil)
			defer resp.Body.Close()
			assertStatus(t, resp, tc.status)

			var frames []frame
			mustDecode(t, resp.Body, &frames)
			if len(frames) != len(tc.kinds) {
				t.Fatalf("got %d frames, want %d", len(frames), len(tc.kinds))
			}
			for i, f := range frames {
				got := ""
				if f.Error != nil {
					got = f.Error.Kind
				}
				if got != tc.kinds[i] {
					t.Fatalf("frame %d: kind %q want %q", i, got, tc.kinds[i])
				}
			}
		})
	}

	t.Run("frames keep call order", func(t *testing.T) {
		resp := mustPost(t, srv, `[{"id":"z","path":"greet.hello","input":{"name":"1"}},{"id":"y","path":"greet.hello","input":{"name":"2"}}]`, nil)
		defer resp.Body.Close()
		var frames []frame
		mustDecode(t, resp.Body, &frames)
		if string(frames[0].ID) != `"z"` || string(frames[1].ID) != `"y"` {
			t.Fatalf("unexpected order %s %s", frames[0].ID, frames[1].ID)
		}
	})
}

func TestTransportErrors(t *testing.T) {
	srv := mustServer(t, testRouter(t, nil),
		withHandlerOptions(streaminghttp.WithMaxBatchSize(2), streaminghttp.WithMaxBodyBytes(256)),
	)
	defer srv.Close()

	cases := []struct {
		name    string
		body    string
		headers map[string]string
		status  int
	}{
		{"content type", `{"path":"greet.hello"}`, map[string]string{"Content-Type": "text/plain"}, http.StatusUnsupportedMediaType},
		{"malformed", `{"path":`, nil, http.StatusBadRequest},
		{"empty batch", `[]`, nil, http.StatusBadRequest},
		{"duplicate ids", `[{"id":1,"path":"greet.hello"},{"path":"greet.hello"}]`, nil, http.StatusBadRequest},
		{"too many calls", `[{"path":"a.b"},{"path":"a.b"},{"path":"a.b"}]`, nil, http.StatusBadRequest},
		{"body too large", `{"path":"greet.hello","input":{"name":"` + strings.Repeat("x", 512) + `"}}`, nil, http.StatusBadRequest},
		{"stream not acceptable", `{"path":"tasks.count","input":{"n":1}}`, map[string]string{"Accept": "application/json"}, http.StatusNotAcceptable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := mustPost(t, srv, tc.body, tc.headers)
			defer resp.Body.Close()
			assertStatus(t, resp, tc.status)

			var body struct {
				Error struct {
					Code    int    `json:"code"`
					Message string `json:"message"`
				} `json:"error"`
			}
			mustDecode(t, resp.Body, &body)
			if body.Error.Code != tc.status || body.Error.Message == "" {
				t.Fatalf("unexpected body %+v", body)
			}
		})
	}

	t.Run("method not allowed", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/rpc", nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		assertStatus(t, resp, http.StatusMethodNotAllowed)
	})
}

func TestEventStream(t *testing.T) {
	srv := mustServer(t, testRouter(t, nil))
	defer srv.Close()

	t.Run("stream chunks then done", func(t *testing.T) {
		resp := mustPost(t, srv, `{"id":"s","path":"tasks.count","input":{"n":4}}`, nil)
		defer resp.Body.Close()
		assertStatus(t, resp, http.StatusOK)
		if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
			t.Fatalf("unexpected content type %q", ct)
		}
		if resp.Header.Get("Cache-Control") != "no-cache" {
			t.Fatal("missing Cache-Control header")
		}

		frames := readFrames(t, resp.Body)
		if len(frames) != 5 {
			t.Fatalf("got %d frames, want 5", len(frames))
		}
		for i, f := range frames[:4] {
			var ch rpc.Chunk[int]
			mustUnmarshalJSON(t, f.Result, &ch)
			if ch.Step != i+1 || ch.Total != 4 || ch.Payload != (i+1)*10 {
				t.Fatalf("chunk %d: %+v", i, ch)
			}
		}
		if !frames[4].Done || string(frames[4].ID) != `"s"` {
			t.Fatalf("expected done frame, got %+v", frames[4])
		}
	})

	t.Run("single call over event stream", func(t *testing.T) {
		resp := mustPost(t, srv, `{"path":"greet.hello","input":{"name":"ada"}}`, map[string]string{"Accept": "text/event-stream"})
		defer resp.Body.Close()
		frames := readFrames(t, resp.Body)
		if len(frames) != 2 || frames[0].Result == nil || !frames[1].Done {
			t.Fatalf("unexpected frames %+v", frames)
		}
	})

	t.Run("stream input is validated", func(t *testing.T) {
		resp := mustPost(t, srv, `{"path":"tasks.count","input":{"n":0}}`, nil)
		defer resp.Body.Close()
		assertStatus(t, resp, http.StatusOK)
		frames := readFrames(t, resp.Body)
		if len(frames) != 2 || frames[0].Error == nil || frames[0].Error.Kind != "BAD_INPUT" || !frames[1].Done {
			t.Fatalf("unexpected frames %+v", frames)
		}
	})

	t.Run("batch mixes streams and single results", func(t *testing.T) {
		resp := mustPost(t, srv, `[{"id":1,"path":"tasks.count","input":{"n":3}},{"id":2,"path":"greet.secret"},{"id":3,"path":"greet.hello","input":{"name":"b"}}]`, nil)
		defer resp.Body.Close()

		byID := map[string][]frame{}
		for _, f := range readFrames(t, resp.Body) {
			byID[string(f.ID)] = append(byID[string(f.ID)], f)
		}

		if got := byID["1"]; len(got) != 4 || !got[3].Done {
			t.Fatalf("stream call frames %+v", got)
		}
		for i, f := range byID["1"][:3] {
			var ch rpc.Chunk[int]
			mustUnmarshalJSON(t, f.Result, &ch)
			if ch.Step != i+1 {
				t.Fatalf("out of order chunk %+v", ch)
			}
		}
		if got := byID["2"]; len(got) != 2 || got[0].Error == nil || got[0].Error.Kind != "UNAUTHENTICATED" || !got[1].Done {
			t.Fatalf("protected call frames %+v", got)
		}
		if got := byID["3"]; len(got) != 2 || got[0].Result == nil || !got[1].Done {
			t.Fatalf("query call frames %+v", got)
		}
	})
}

func TestKeepAlive(t *testing.T) {
	srv := mustServer(t, testRouter(t, nil),
		withHandlerOptions(streaminghttp.WithKeepAlive(20*time.Millisecond)),
	)
	defer srv.Close()

	resp := mustPost(t, srv, `{"path":"tasks.count","input":{"n":3,"delayMs":150}}`, nil)
	defer resp.Body.Close()

	r := newSSEReader(resp.Body)
	var pings, chunks int
	for {
		ev, err := r.next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if ev.event == "ping" {
			if len(ev.data) != 0 {
				t.Fatalf("ping carries data %q", ev.data)
			}
			pings++
			continue
		}
		var f frame
		mustUnmarshalJSON(t, ev.data, &f)
		if f.Result != nil {
			chunks++
		}
	}

	if chunks != 3 {
		t.Fatalf("got %d chunks, want 3", chunks)
	}
	if pings < 2 {
		t.Fatalf("expected keep-alive pings during idle gaps, got %d", pings)
	}
}

func TestClientDisconnectStopsStream(t *testing.T) {
	exited := make(chan struct{})
	block := rpc.Stream(rpc.PublicProcedure, func(ctx context.Context, _ *rpc.Context, _ rpc.Void) iter.Seq2[rpc.Chunk[int], error] {
		return func(yield func(rpc.Chunk[int], error) bool) {
			defer close(exited)
			if !yield(rpc.Chunk[int]{Step: 1, Total: 2, Payload: 1}, nil) {
				return
			}
			<-ctx.Done()
			yield(rpc.Chunk[int]{}, ctx.Err())
		}
	})

	srv := mustServer(t, testRouter(t, rpc.Namespace{"slow": rpc.Namespace{"block": block}}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, srv.URL+"/rpc", strings.NewReader(`{"path":"slow.block"}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if _, err := newSSEReader(resp.Body).next(); err != nil {
		t.Fatalf("read first chunk: %v", err)
	}

	// Other requests are served while the stream is open.
	other := mustPost(t, srv, `{"path":"greet.hello","input":{"name":"x"}}`, nil)
	assertStatus(t, other, http.StatusOK)
	other.Body.Close()

	cancel()

	select {
	case <-exited:
	case <-time.After(5 * time.Second):
		t.Fatal("producer was not abandoned after disconnect")
	}
}

func TestRateLimit(t *testing.T) {
	srv := mustServer(t, testRouter(t, nil),
		withHandlerOptions(streaminghttp.WithRateLimit(0.001, 1)),
	)
	defer srv.Close()

	body := `{"path":"greet.hello","input":{"name":"x"}}`
	first := mustPost(t, srv, body, map[string]string{"X-Test-User": "u1"})
	first.Body.Close()
	assertStatus(t, first, http.StatusOK)

	second := mustPost(t, srv, body, map[string]string{"X-Test-User": "u1"})
	second.Body.Close()
	assertStatus(t, second, http.StatusTooManyRequests)

	other := mustPost(t, srv, body, map[string]string{"X-Test-User": "u2"})
	other.Body.Close()
	assertStatus(t, other, http.StatusOK)
}

type countingProvider struct {
	identity.Provider
	calls atomic.Int32
}

func (c *countingProvider) Identify(ctx context.Context, r *http.Request) (identity.Identity, error) {
	c.calls.Add(1)
	return c.Provider.Identify(ctx, r)
}

func TestRateLimitBeforeContexts(t *testing.T) {
	provider := &countingProvider{Provider: identitytest.Header{}}
	srv := mustServer(t, testRouter(t, nil),
		withProvider(provider),
		withHandlerOptions(streaminghttp.WithRateLimit(0.001, 1)),
	)
	defer srv.Close()

	headers := map[string]string{"X-Test-User": "u1"}
	first := mustPost(t, srv, `{"path":"greet.hello","input":{"name":"x"}}`, headers)
	first.Body.Close()
	assertStatus(t, first, http.StatusOK)

	batch := `[{"path":"greet.hello","input":{"name":"a"}},{"path":"greet.hello","input":{"name":"b"}},{"path":"greet.secret"}]`
	second := mustPost(t, srv, batch, headers)
	second.Body.Close()
	assertStatus(t, second, http.StatusTooManyRequests)

	if got := provider.calls.Load(); got != 2 {
		t.Fatalf("identity resolved %d times, want 2", got)
	}
}

func TestPanicsBecomeInternalErrors(t *testing.T) {
	var nilCtx *rpc.Context
	srv := mustServer(t, testRouter(t, rpc.Namespace{
		"faulty": rpc.Namespace{
			"check": rpc.Query(rpc.PublicProcedure.Use(func(*rpc.Context) error {
				_ = nilCtx.RequestID()
				return nil
			}), func(context.Context, *rpc.Context, rpc.Void) (rpc.Void, error) {
				return rpc.Void{}, nil
			}),
			"setup": rpc.Stream(rpc.PublicProcedure, func(context.Context, *rpc.Context, rpc.Void) iter.Seq2[rpc.Chunk[int], error] {
				var m map[string]*int
				_ = *m["x"]
				return nil
			}),
		},
	}))
	defer srv.Close()

	t.Run("check", func(t *testing.T) {
		resp := mustPost(t, srv, `{"path":"faulty.check"}`, nil)
		defer resp.Body.Close()
		assertStatus(t, resp, http.StatusInternalServerError)
		var f frame
		mustDecode(t, resp.Body, &f)
		if f.Error == nil || f.Error.Kind != "INTERNAL" {
			t.Fatalf("expected INTERNAL frame, got %+v", f)
		}
	})

	t.Run("stream setup", func(t *testing.T) {
		resp := mustPost(t, srv, `{"path":"faulty.setup"}`, map[string]string{"Accept": "text/event-stream"})
		defer resp.Body.Close()
		assertStatus(t, resp, http.StatusOK)
		frames := readFrames(t, resp.Body)
		if len(frames) != 2 || frames[0].Error == nil || frames[0].Error.Kind != "INTERNAL" || !frames[1].Done {
			t.Fatalf("expected INTERNAL then done, got %+v", frames)
		}
	})

	// The server is still serving.
	resp := mustPost(t, srv, `{"path":"greet.hello","input":{"name":"ok"}}`, nil)
	resp.Body.Close()
	assertStatus(t, resp, http.StatusOK)
}

func TestListing(t *testing.T) {
	srv := mustServer(t, testRouter(t, nil))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/rpc")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	assertStatus(t, resp, http.StatusOK)

	var body struct {
		Procedures []struct {
			Path   string          `json:"path"`
			Type   string          `json:"type"`
			Access string          `json:"access"`
			Mode   string          `json:"mode"`
			Input  json.RawMessage `json:"input"`
		} `json:"procedures"`
	}
	mustDecode(t, resp.Body, &body)

	got := map[string]string{}
	schemas := map[string]string{}
	for _, p := range body.Procedures {
		got[p.Path] = p.Access + "/" + p.Mode
		schemas[p.Path] = string(p.Input)
	}
	want := map[string]string{
		"greet.hello":  "public/single",
		"greet.secret": "authenticated/single",
		"greet.admin":  "administrator/single",
		"greet.broken": "public/single",
		"tasks.count":  "public/stream",
	}
	for path, w := range want {
		if got[path] != w {
			t.Fatalf("%s: got %q want %q", path, got[path], w)
		}
	}
	if !strings.Contains(schemas["greet.hello"], `"name"`) {
		t.Fatalf("greet.hello schema missing name: %s", schemas["greet.hello"])
	}
}

func TestMetrics(t *testing.T) {
	m := metrics.NewCollector("rpc")
	srv := mustServer(t, testRouter(t, nil), withHandlerOptions(streaminghttp.WithMetrics(m)))
	defer srv.Close()

	resp := mustPost(t, srv, `[{"path":"greet.hello","input":{"name":"x"}},{"path":"greet.secret"},{"path":"no.such"}]`, nil)
	resp.Body.Close()
	resp = mustPost(t, srv, `{"path":"tasks.count","input":{"n":2}}`, nil)
	_, _ = io.ReadAll(resp.Body)
	resp.Body.Close()

	n, err := testutil.GatherAndCount(m.Registry(), "rpc_calls_total")
	if err != nil {
		t.Fatal(err)
	}
	// hello/completed, secret/rejected, unknown/rejected, count/completed
	if n != 4 {
		t.Fatalf("rpc_calls_total has %d series, want 4", n)
	}
	n, err = testutil.GatherAndCount(m.Registry(), "rpc_stream_chunks_total")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("rpc_stream_chunks_total has %d series, want 1", n)
	}
}

func TestIdentityPerCall(t *testing.T) {
	srv := mustServer(t, testRouter(t, nil), withProvider(identitytest.NewStatic("alice", "")))
	defer srv.Close()

	resp := mustPost(t, srv, `[{"path":"greet.secret"},{"path":"greet.admin"}]`, nil)
	defer resp.Body.Close()
	assertStatus(t, resp, http.StatusMultiStatus)

	var frames []frame
	mustDecode(t, resp.Body, &frames)
	var id identity.Identity
	mustUnmarshalJSON(t, frames[0].Result, &id)
	if id.UserID != "alice" {
		t.Fatalf("unexpected identity %+v", id)
	}
	if frames[1].Error == nil || frames[1].Error.Kind != "FORBIDDEN" {
		t.Fatalf("expected FORBIDDEN, got %+v", frames[1])
	}
}

func TestNewValidation(t *testing.T) {
	r := testRouter(t, nil)
	f := rpc.NewContextFactory(nil, nil)

	if _, err := streaminghttp.New(nil, f); err == nil {
		t.Fatal("expected error for nil router")
	}
	if _, err := streaminghttp.New(r, nil); err == nil {
		t.Fatal("expected error for nil factory")
	}
	if _, err := streaminghttp.New(r, f, streaminghttp.WithEndpoint("rpc")); err == nil {
		t.Fatal("expected error for relative endpoint")
	}
	if _, err := streaminghttp.New(r, f, streaminghttp.WithKeepAlive(0)); err == nil {
		t.Fatal("expected error for zero keep-alive")
	}
}

// ============================================================================

// logBridge is an implementation of slog.Handler that works
// with the stdlib testing pkg.
type logBridge struct {
	slog.Handler
	t   testing.TB
	buf *bytes.Buffer
	mu  *sync.Mutex
}

// Handle implements slog.Handler.
func (b *logBridge) Handle(ctx context.Context, rec slog.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	err := b.Handler.Handle(ctx, rec)
	if err != nil {
		return err
	}

	output, err := io.ReadAll(b.buf)
	if err != nil {
		return err
	}

	// The output comes back with a newline, which we need to
	// trim before feeding to t.Log.
	output = bytes.TrimSuffix(output, []byte("\n"))

	b.t.Helper()

	b.t.Log(string(output))

	return nil
}

// WithAttrs implements slog.Handler.
func (b *logBridge) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &logBridge{
		t:       b.t,
		buf:     b.buf,
		mu:      b.mu,
		Handler: b.Handler.WithAttrs(attrs),
	}
}

// WithGroup implements slog.Handler.
func (b *logBridge) WithGroup(name string) slog.Handler {
	return &logBridge{
		t:       b.t,
		buf:     b.buf,
		mu:      b.mu,
		Handler: b.Handler.WithGroup(name),
	}
}

func testLogHandler(t *testing.T) *logBridge {
	b := &logBridge{
		t:   t,
		buf: &bytes.Buffer{},
		mu:  &sync.Mutex{},
	}
	hOpts := &slog.HandlerOptions{
		AddSource: false,
		Level:     slog.LevelDebug,
	}
	b.Handler = slog.NewTextHandler(b.buf, hOpts)

	return b
}

// ============================================================================
// Test Server Utility
// ============================================================================

type serverOption func(*serverConfig)

type serverConfig struct {
	provider identity.Provider
	opts     []streaminghttp.Option
}

// withProvider replaces the default header-based test identity provider.
func withProvider(p identity.Provider) serverOption {
	return func(cfg *serverConfig) { cfg.provider = p }
}

func withHandlerOptions(opts ...streaminghttp.Option) serverOption {
	return func(cfg *serverConfig) { cfg.opts = append(cfg.opts, opts...) }
}

func mustServer(t *testing.T, router *rpc.Router, options ...serverOption) *httptest.Server {
	t.Helper()

	cfg := &serverConfig{provider: identitytest.Header{}}
	for _, opt := range options {
		opt(cfg)
	}

	st, err := memory.New(1024)
	if err != nil {
		t.Fatalf("memory store: %v", err)
	}
	shared := store.SharedOf(st)
	t.Cleanup(func() { _ = shared.Close() })

	log := slog.New(testLogHandler(t))
	factory := rpc.NewContextFactory(cfg.provider, shared, rpc.WithLogger(log))

	opts := append([]streaminghttp.Option{streaminghttp.WithLogger(log)}, cfg.opts...)
	h, err := streaminghttp.New(router, factory, opts...)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	return httptest.NewServer(h)
}

type frame struct {
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
		Fields  []struct {
			Path    string `json:"path"`
			Message string `json:"message"`
		} `json:"fields"`
	} `json:"error"`
	Done bool `json:"done"`
}

func mustPost(t *testing.T, srv *httptest.Server, body string, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/rpc", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	return resp
}

func assertStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if got := resp.StatusCode; got != want {
		t.Fatalf("unexpected status: want %d got %d", want, got)
	}
}

type sseEvent struct {
	event string
	data  []byte
}

type sseReader struct {
	br *bufio.Reader
}

func newSSEReader(r io.Reader) *sseReader {
	return &sseReader{br: bufio.NewReader(r)}
}

// next returns the next event, or io.EOF once the stream ends cleanly.
func (s *sseReader) next() (sseEvent, error) {
	var (
		event   sseEvent
		dataBuf bytes.Buffer
		started bool
	)
	for {
		line, err := s.br.ReadString('\n')
		if err != nil {
			if err == io.EOF && !started {
				return sseEvent{}, io.EOF
			}
			if err == io.EOF {
				return sseEvent{}, io.ErrUnexpectedEOF
			}
			return sseEvent{}, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" { // end of event
			if dataBuf.Len() > 0 {
				event.data = append([]byte(nil), dataBuf.Bytes()...)
			}
			return event, nil
		}
		started = true
		if v, ok := strings.CutPrefix(line, "event: "); ok {
			event.event = v
			continue
		}
		if v, ok := strings.CutPrefix(line, "data:"); ok {
			if dataBuf.Len() > 0 {
				dataBuf.WriteByte('\n')
			}
			dataBuf.WriteString(strings.TrimPrefix(v, " "))
			continue
		}
	}
}

// readFrames reads data frames until the stream ends, skipping pings.
func readFrames(t *testing.T, r io.Reader) []frame {
	t.Helper()
	sr := newSSEReader(r)
	var frames []frame
	for {
		ev, err := sr.next()
		if err == io.EOF {
			return frames
		}
		if err != nil {
			t.Fatalf("read sse: %v", err)
		}
		if ev.event == "ping" {
			continue
		}
		var f frame
		mustUnmarshalJSON(t, ev.data, &f)
		frames = append(frames, f)
	}
}

func mustDecode(t *testing.T, r io.Reader, v any) {
	t.Helper()
	if err := json.NewDecoder(r).Decode(v); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func mustUnmarshalJSON[T any](t *testing.T, data []byte, v *T) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("unmarshal json: %v\ninput: %s", err, string(data))
	}
}
