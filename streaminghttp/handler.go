package streaminghttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/rpc-server-go/internal/logctx"
	"github.com/ggoodman/rpc-server-go/internal/wire"
	"github.com/ggoodman/rpc-server-go/metrics"
	"github.com/ggoodman/rpc-server-go/rpc"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

var (
	_ http.Handler = (*StreamingHTTPHandler)(nil)
)

var (
	jsonMediaType        = contenttype.NewMediaType("application/json")
	eventStreamMediaType = contenttype.NewMediaType("text/event-stream")

	streamOffers = []contenttype.MediaType{eventStreamMediaType}
	singleOffers = []contenttype.MediaType{jsonMediaType, eventStreamMediaType}
)

const (
	DefaultEndpoint       = "/rpc"
	DefaultKeepAlive      = 5 * time.Second
	DefaultMaxBatchSize   = 32
	DefaultMaxBodyBytes   = 1 << 20
	DefaultMaxConcurrency = 8

	unknownPathLabel = "unknown"
)

// writeJSONError emits a minimal JSON body for transport-level rejections,
// before any call has been dispatched.
// Shape: {"error":{"code":<httpStatus>,"message":"<reason>"}}
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// Option configures the StreamingHTTPHandler.
type Option func(*newConfig)

type newConfig struct {
	logger         *slog.Logger
	endpoint       string
	keepAlive      time.Duration
	maxBatchSize   int
	maxBodyBytes   int64
	maxConcurrency int
	metrics        *metrics.Collector
	rateLimit      float64
	rateBurst      int
}

// WithLogger sets the logger used by the handler. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) { c.logger = l }
}

// WithEndpoint sets the URL path the handler answers on. Defaults to "/rpc".
func WithEndpoint(path string) Option {
	return func(c *newConfig) { c.endpoint = path }
}

// WithKeepAlive sets the idle interval after which a ping is written on an
// open event stream.
func WithKeepAlive(d time.Duration) Option {
	return func(c *newConfig) { c.keepAlive = d }
}

// WithMaxBatchSize bounds the number of calls in one request.
func WithMaxBatchSize(n int) Option {
	return func(c *newConfig) { c.maxBatchSize = n }
}

// WithMaxBodyBytes bounds the size of a request body.
func WithMaxBodyBytes(n int64) Option {
	return func(c *newConfig) { c.maxBodyBytes = n }
}

// WithMaxConcurrency bounds how many calls of one request run at once.
func WithMaxConcurrency(n int) Option {
	return func(c *newConfig) { c.maxConcurrency = n }
}

// WithMetrics records dispatch metrics into m.
func WithMetrics(m *metrics.Collector) Option {
	return func(c *newConfig) { c.metrics = m }
}

// WithRateLimit allows each caller rps requests per second with the given
// burst. Callers are keyed by user id when identified, otherwise by remote
// address. Zero disables limiting.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *newConfig) { c.rateLimit, c.rateBurst = rps, burst }
}

// StreamingHTTPHandler serves an rpc.Router over HTTP.
type StreamingHTTPHandler struct {
	mux     *http.ServeMux
	log     *slog.Logger
	router  *rpc.Router
	factory *rpc.ContextFactory
	metrics *metrics.Collector
	limiter *callerLimiter

	keepAlive      time.Duration
	maxBatchSize   int
	maxBodyBytes   int64
	maxConcurrency int
}

// lockedWriteFlusher wraps an io.Writer + http.Flusher with a mutex and an optional context.
// It serializes concurrent writes/flushes and avoids writing after ctx is canceled.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	// Re-check after acquiring the lock to minimize races with cancellation
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

// New constructs a handler serving router. factory builds the per-call
// rpc.Context.
func New(router *rpc.Router, factory *rpc.ContextFactory, opts ...Option) (*StreamingHTTPHandler, error) {
	if router == nil {
		return nil, fmt.Errorf("router is required")
	}
	if factory == nil {
		return nil, fmt.Errorf("context factory is required")
	}

	cfg := &newConfig{
		logger:         slog.Default(),
		endpoint:       DefaultEndpoint,
		keepAlive:      DefaultKeepAlive,
		maxBatchSize:   DefaultMaxBatchSize,
		maxBodyBytes:   DefaultMaxBodyBytes,
		maxConcurrency: DefaultMaxConcurrency,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if !strings.HasPrefix(cfg.endpoint, "/") {
		return nil, fmt.Errorf("endpoint must be an absolute path, got %q", cfg.endpoint)
	}
	if cfg.keepAlive <= 0 {
		return nil, fmt.Errorf("keep-alive interval must be positive")
	}
	if cfg.maxBatchSize < 1 || cfg.maxConcurrency < 1 || cfg.maxBodyBytes < 1 {
		return nil, fmt.Errorf("batch size, concurrency and body limits must be positive")
	}

	h := &StreamingHTTPHandler{
		log:            slog.New(logctx.Wrap(cfg.logger.Handler())),
		router:         router,
		factory:        factory,
		metrics:        cfg.metrics,
		keepAlive:      cfg.keepAlive,
		maxBatchSize:   cfg.maxBatchSize,
		maxBodyBytes:   cfg.maxBodyBytes,
		maxConcurrency: cfg.maxConcurrency,
	}

	if cfg.rateLimit > 0 {
		l, err := newCallerLimiter(cfg.rateLimit, cfg.rateBurst)
		if err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
		h.limiter = l
	}

	mux := http.NewServeMux()
	mux.HandleFunc(fmt.Sprintf("POST %s", cfg.endpoint), h.handlePost)
	mux.HandleFunc(fmt.Sprintf("GET %s", cfg.endpoint), h.handleList)
	h.mux = mux
	return h, nil
}

func (h *StreamingHTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

// pendingCall is a call resolved against the router, with its context.
// err is set when the call failed before dispatch.
type pendingCall struct {
	call wire.Call
	proc *rpc.Procedure
	rc   *rpc.Context
	err  *rpc.Error
}

func (p *pendingCall) pathLabel() string {
	if p.proc == nil {
		return unknownPathLabel
	}
	return p.call.Path
}

func (h *StreamingHTTPHandler) handlePost(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.DebugContext(ctx, "http.post.start")

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONError(w, http.StatusBadRequest, "request body too large")
			h.log.WarnContext(ctx, "body.too_large", slog.Int64("limit", tooLarge.Limit))
			return
		}
		writeJSONError(w, http.StatusBadRequest, "failed to read request body")
		h.log.WarnContext(ctx, "body.read.fail", slog.String("err", err.Error()))
		return
	}

	calls, batch, err := wire.ParseCalls(body)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		h.log.WarnContext(ctx, "payload.invalid", slog.String("err", err.Error()))
		return
	}
	if len(calls) > h.maxBatchSize {
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("batch exceeds %d calls", h.maxBatchSize))
		h.log.WarnContext(ctx, "batch.too_large", slog.Int("calls", len(calls)))
		return
	}

	pending, streaming := h.resolve(calls)

	// Only the first call's context is built before the limiter decides, so
	// a throttled batch costs one identity lookup.
	first := firstResolved(pending)
	if first != nil {
		h.bind(ctx, r, first)
	}
	if h.limiter != nil {
		key := callerKey(r, first)
		if !h.limiter.allow(key) {
			h.metrics.ObserveRateLimited()
			w.Header().Set("Retry-After", "1")
			writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
			h.log.InfoContext(ctx, "rate_limit.exceeded", slog.String("key", key))
			return
		}
	}

	offers := singleOffers
	if streaming {
		offers = streamOffers
	}
	mode := offers[0]
	if r.Header.Get("Accept") != "" {
		accepted, _, err := contenttype.GetAcceptableMediaType(r, offers)
		if err != nil {
			writeJSONError(w, http.StatusNotAcceptable, "response must be negotiable as "+offers[0].String())
			h.log.WarnContext(ctx, "accept.unsupported", slog.String("accept", r.Header.Get("Accept")))
			return
		}
		mode = accepted
	}

	for _, p := range pending {
		if p != first && p.proc != nil {
			h.bind(ctx, r, p)
		}
	}

	if mode.Matches(eventStreamMediaType) {
		h.serveEventStream(ctx, w, pending)
	} else {
		h.serveJSON(ctx, w, pending, batch)
	}

	h.log.InfoContext(ctx, "http.post.ok",
		slog.Int("calls", len(pending)),
		slog.String("mode", mode.String()),
		slog.Duration("dur", time.Since(start)),
	)
}

// resolve looks up every call's procedure. It reports whether any call
// targets a streaming procedure.
func (h *StreamingHTTPHandler) resolve(calls []wire.Call) ([]*pendingCall, bool) {
	pending := make([]*pendingCall, len(calls))
	streaming := false

	for i, c := range calls {
		p := &pendingCall{call: c}
		pending[i] = p

		proc, ok := h.router.Lookup(c.Path)
		if !ok {
			p.err = rpc.Errorf(rpc.KindNotFound, "no procedure at path %q", c.Path)
			continue
		}
		p.proc = proc
		if proc.Mode() == rpc.ModeStream {
			streaming = true
		}
	}

	return pending, streaming
}

func firstResolved(pending []*pendingCall) *pendingCall {
	for _, p := range pending {
		if p.proc != nil {
			return p
		}
	}
	return nil
}

// bind builds the call's context. A store failure fails the call.
func (h *StreamingHTTPHandler) bind(ctx context.Context, r *http.Request, p *pendingCall) {
	rc, err := h.factory.NewContext(ctx, r)
	if err != nil {
		p.err = rpc.Internal(err)
		return
	}
	p.rc = rc
}

// callerKey identifies the caller for rate limiting: the user behind p when
// one was identified, otherwise the remote host.
func callerKey(r *http.Request, p *pendingCall) string {
	if p != nil && p.rc != nil {
		if id, ok := p.rc.Identity(); ok {
			return "user:" + id.UserID
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "addr:" + host
}

// execute runs one call, reporting every result through emit, and records
// its outcome.
func (h *StreamingHTTPHandler) execute(ctx context.Context, p *pendingCall, emit func(any) error) (rpc.State, error) {
	start := time.Now()

	cd := &logctx.CallData{ID: p.call.ID.String(), Path: p.call.Path}
	if p.proc != nil {
		cd.Mode = p.proc.Mode().String()
	}
	ctx = logctx.WithCallData(ctx, cd)
	if p.rc != nil {
		if id, ok := p.rc.Identity(); ok {
			ctx = logctx.WithIdentityData(ctx, &logctx.IdentityData{UserID: id.UserID, Role: string(id.Role)})
		}
	}

	var (
		state rpc.State
		err   error
	)
	if p.err != nil {
		state, err = rpc.StateRejected, p.err
		if p.err.Kind == rpc.KindInternal {
			state = rpc.StateFailed
		}
	} else {
		state, err = p.proc.Invoke(ctx, p.rc, p.call.Input, emit)
	}

	dur := time.Since(start)
	h.metrics.ObserveCall(p.pathLabel(), state.String(), dur)
	h.logOutcome(ctx, state, err, dur)
	return state, err
}

func (h *StreamingHTTPHandler) logOutcome(ctx context.Context, state rpc.State, err error, dur time.Duration) {
	var rerr *rpc.Error
	switch {
	case err == nil:
		h.log.InfoContext(ctx, "rpc.call.ok", slog.Duration("dur", dur))
	case rpc.IsCanceled(err):
		h.log.DebugContext(ctx, "rpc.call.canceled", slog.String("state", state.String()), slog.Duration("dur", dur))
	case errors.As(err, &rerr) && rerr.Kind == rpc.KindInternal:
		h.log.ErrorContext(ctx, "rpc.call.fail", slog.String("err", err.Error()), slog.Duration("dur", dur))
	case errors.As(err, &rerr):
		h.log.InfoContext(ctx, "rpc.call.rejected",
			slog.String("kind", string(rerr.Kind)),
			slog.String("message", rerr.Message),
			slog.String("state", state.String()),
		)
	default:
		h.log.WarnContext(ctx, "rpc.call.write.fail", slog.String("err", err.Error()), slog.Duration("dur", dur))
	}
}

// serveJSON runs every call and answers with one JSON document.
func (h *StreamingHTTPHandler) serveJSON(ctx context.Context, w http.ResponseWriter, pending []*pendingCall, batch bool) {
	frames := make([]*wire.Frame, len(pending))
	kinds := make([]rpc.Kind, len(pending))

	var g errgroup.Group
	g.SetLimit(h.maxConcurrency)
	for i, p := range pending {
		g.Go(func() error {
			var frame *wire.Frame
			_, err := h.execute(ctx, p, func(v any) error {
				f, err := wire.NewResultFrame(p.call.ID, v)
				if err != nil {
					return rpc.Internal(err)
				}
				frame = f
				return nil
			})
			if err != nil {
				rerr := rpc.AsError(err)
				frame = wire.NewErrorFrame(p.call.ID, rerr.Wire())
				kinds[i] = rerr.Kind
			}
			frames[i] = frame
			return nil
		})
	}
	_ = g.Wait()

	var (
		status  int
		payload any
	)
	if batch {
		status, payload = batchStatus(kinds), frames
	} else {
		status, payload = http.StatusOK, frames[0]
		if kinds[0] != "" {
			status = kinds[0].HTTPStatus()
		}
	}

	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.log.WarnContext(ctx, "json.write.fail", slog.String("err", err.Error()))
	}
}

// batchStatus is 200 when every call succeeded, the shared status when every
// call failed with the same kind, and 207 otherwise.
func batchStatus(kinds []rpc.Kind) int {
	first := kinds[0]
	for _, k := range kinds[1:] {
		if k != first {
			return http.StatusMultiStatus
		}
	}
	if first == "" {
		return http.StatusOK
	}
	return first.HTTPStatus()
}

// serveEventStream runs every call, writing frames as they are produced.
func (h *StreamingHTTPHandler) serveEventStream(ctx context.Context, w http.ResponseWriter, pending []*pendingCall) {
	f, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		h.log.ErrorContext(ctx, "flusher.missing")
		return
	}

	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sw := &sseWriter{wf: &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}}
	sw.wf.Flush()
	sw.touch()

	h.metrics.StreamOpened()
	defer h.metrics.StreamClosed()

	kaCtx, stopKeepAlive := context.WithCancel(ctx)
	kaDone := make(chan struct{})
	go func() {
		defer close(kaDone)
		h.runKeepAlive(kaCtx, sw)
	}()
	defer func() {
		stopKeepAlive()
		<-kaDone
	}()

	var g errgroup.Group
	g.SetLimit(h.maxConcurrency)
	for _, p := range pending {
		g.Go(func() error {
			h.streamCall(ctx, sw, p)
			return nil
		})
	}
	_ = g.Wait()
}

func (h *StreamingHTTPHandler) streamCall(ctx context.Context, sw *sseWriter, p *pendingCall) {
	id := p.call.ID
	streaming := p.proc != nil && p.proc.Mode() == rpc.ModeStream

	_, err := h.execute(ctx, p, func(v any) error {
		f, err := wire.NewResultFrame(id, v)
		if err != nil {
			return rpc.Internal(err)
		}
		if err := sw.writeFrame(f); err != nil {
			return err
		}
		if streaming {
			h.metrics.ObserveChunk(p.call.Path)
		}
		return nil
	})

	if ctx.Err() != nil {
		return
	}
	if err != nil {
		var rerr *rpc.Error
		if !errors.As(err, &rerr) {
			// The frame could not be written; nothing more can be.
			return
		}
		if werr := sw.writeFrame(wire.NewErrorFrame(id, rerr.Wire())); werr != nil {
			return
		}
	}
	if err := sw.writeFrame(wire.NewDoneFrame(id)); err != nil {
		h.log.DebugContext(ctx, "sse.done.write.fail", slog.String("err", err.Error()))
	}
}

// runKeepAlive writes a ping whenever the stream has been idle for the
// keep-alive interval, until ctx is done.
func (h *StreamingHTTPHandler) runKeepAlive(ctx context.Context, sw *sseWriter) {
	t := time.NewTimer(h.keepAlive)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}

		idle := sw.idle()
		if idle < h.keepAlive {
			t.Reset(h.keepAlive - idle)
			continue
		}
		if err := sw.ping(); err != nil {
			h.log.DebugContext(ctx, "sse.ping.fail", slog.String("err", err.Error()))
			return
		}
		h.metrics.ObservePing()
		t.Reset(h.keepAlive)
	}
}

// sseWriter serializes whole events onto the response and tracks when the
// stream last carried data.
type sseWriter struct {
	wf   *lockedWriteFlusher
	last atomic.Int64
}

func (s *sseWriter) touch() { s.last.Store(time.Now().UnixNano()) }

func (s *sseWriter) idle() time.Duration {
	return time.Since(time.Unix(0, s.last.Load()))
}

func (s *sseWriter) writeFrame(f *wire.Frame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}
	if err := writeSSEEvent(s.wf, "", b); err != nil {
		return err
	}
	s.touch()
	return nil
}

func (s *sseWriter) ping() error {
	if err := writeSSEEvent(s.wf, "ping", nil); err != nil {
		return err
	}
	s.touch()
	return nil
}

// writeSSEEvent writes one Server-Sent Event with an optional event name and
// flushes. The event is assembled first and written with a single call so
// that concurrent writers never interleave.
func writeSSEEvent(wf *lockedWriteFlusher, event string, payload []byte) error {
	var buf bytes.Buffer
	if event != "" {
		buf.WriteString("event: ")
		buf.WriteString(event)
		buf.WriteByte('\n')
	}
	buf.WriteString("data: ")
	buf.Write(payload)
	buf.WriteString("\n\n")

	if _, err := wf.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write SSE event: %w", err)
	}
	wf.Flush()
	return nil
}

// procedureInfo describes one procedure in the listing.
type procedureInfo struct {
	Path        string `json:"path"`
	Type        string `json:"type"`
	Access      string `json:"access"`
	Mode        string `json:"mode"`
	Description string `json:"description,omitempty"`
	Input       any    `json:"input,omitempty"`
}

func (h *StreamingHTTPHandler) handleList(w http.ResponseWriter, r *http.Request) {
	paths := h.router.Paths()
	list := make([]procedureInfo, 0, len(paths))
	for _, path := range paths {
		p, _ := h.router.Lookup(path)
		info := procedureInfo{
			Path:        path,
			Type:        string(p.Operation()),
			Access:      p.Access().String(),
			Mode:        p.Mode().String(),
			Description: p.Description(),
		}
		if s := p.InputSchema(); s != nil {
			info.Input = s
		}
		list = append(list, info)
	}

	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(map[string]any{"procedures": list}); err != nil {
		h.log.WarnContext(r.Context(), "list.write.fail", slog.String("err", err.Error()))
	}
}
