package pipeline

import (
	"crypto/subtle"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"backstop/internal/match"
	"backstop/internal/normalize"
	"backstop/internal/telemetry"
)

const (
	requestIDHeader = "X-Request-Id"
	authRealm       = `Basic realm="Restricted Area"`

	bodyOK           = "ok"
	bodyUnauthorized = "Not authorized\n"
	bodyRateLimited  = "rate limited"
	bodyTooLarge     = "request body too large"
	bodyUnavailable  = "sink unavailable"
	bodyJSONRequired = "JSON is required"
)

// RouteOptions configures the webhook handler.
// Users maps basic-auth names to passwords; an empty map disables auth.
// RateLimit of zero disables request limiting.
type RouteOptions struct {
	Publish   match.Set
	Users     map[string]string
	MaxBody   int64
	RateLimit float64
	Burst     int
}

type ingestHandler struct {
	dispatcher *Dispatcher
	publish    match.Set
	users      map[string]string
	limiter    *rate.Limiter
	maxBody    int64
	logger     *slog.Logger
	recorder   *telemetry.Recorder
}

// NewHandler builds the HTTP surface: health probe plus one route per producer.
// Params: dispatcher shared by all routes; opts auth/limits/allow-list; logger; recorder may be nil.
// Returns: handler ready for http.Server.
func NewHandler(dispatcher *Dispatcher, opts RouteOptions, logger *slog.Logger, recorder *telemetry.Recorder) http.Handler {
	h := &ingestHandler{
		dispatcher: dispatcher,
		publish:    opts.Publish,
		users:      opts.Users,
		maxBody:    opts.MaxBody,
		logger:     logger,
		recorder:   recorder,
	}
	if opts.RateLimit > 0 {
		h.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), max(1, opts.Burst))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.health)
	mux.Handle("POST /collectd", h.guard(h.collectd))
	mux.Handle("POST /github", h.guard(h.github))
	mux.Handle("POST /pagerduty", h.guard(h.pagerduty))
	mux.Handle("POST /druid", h.guard(h.druid))
	mux.Handle("POST /publish/{name}", h.guard(h.publishMetrics))

	return h.observe(mux)
}

// observe assigns a request id and records status and latency for every request.
func (h *ingestHandler) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, requestID)

		started := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		h.recorder.Request(r.Context(), routeLabel(r.URL.Path), recorder.status)
		h.logger.DebugContext(r.Context(), "request served",
			slog.String("request_id", requestID),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", recorder.status),
			slog.Duration("took", time.Since(started)),
		)
	})
}

// guard applies basic auth and rate limiting to producer routes.
func (h *ingestHandler) guard(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.authorized(r) {
			w.Header().Set("WWW-Authenticate", authRealm)
			writeText(w, http.StatusUnauthorized, bodyUnauthorized)
			return
		}
		if h.limiter != nil && !h.limiter.Allow() {
			writeText(w, http.StatusTooManyRequests, bodyRateLimited)
			return
		}
		next(w, r)
	})
}

func (h *ingestHandler) authorized(r *http.Request) bool {
	if len(h.users) == 0 {
		return true
	}
	name, password, ok := r.BasicAuth()
	if !ok {
		return false
	}
	expected, known := h.users[name]
	matched := subtle.ConstantTimeCompare([]byte(password), []byte(expected)) == 1
	return known && matched
}

func (h *ingestHandler) health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"health": "ok"})
}

func (h *ingestHandler) collectd(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	h.dispatch(w, r, normalize.CollectdParser{}, body)
}

// github accepts the hook as form field "payload" or as a raw JSON body.
func (h *ingestHandler) github(w http.ResponseWriter, r *http.Request) {
	if isJSONRequest(r) {
		body, ok := h.readBody(w, r)
		if !ok {
			return
		}
		h.dispatch(w, r, normalize.GitHubParser{}, body)
		return
	}

	form, ok := h.readForm(w, r)
	if !ok {
		return
	}
	payload := form.Get("payload")
	if strings.TrimSpace(payload) == "" {
		h.fail(w, r, "/github", &normalize.Error{Kind: normalize.KindMalformedPayload, Message: bodyJSONRequired})
		return
	}
	h.dispatch(w, r, normalize.GitHubParser{}, []byte(payload))
}

// pagerduty accepts a form-encoded incident with bracket nesting, or a JSON body.
func (h *ingestHandler) pagerduty(w http.ResponseWriter, r *http.Request) {
	if isJSONRequest(r) {
		body, ok := h.readBody(w, r)
		if !ok {
			return
		}
		h.dispatch(w, r, normalize.PagerDutyParser{}, body)
		return
	}

	form, ok := h.readForm(w, r)
	if !ok {
		return
	}
	body, err := normalize.FormToJSON(form)
	if err != nil {
		h.fail(w, r, "/pagerduty", &normalize.Error{Kind: normalize.KindMalformedPayload, Message: "unknown payload", Err: err})
		return
	}
	h.dispatch(w, r, normalize.PagerDutyParser{}, body)
}

func (h *ingestHandler) druid(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	h.dispatch(w, r, normalize.DruidParser{}, body)
}

// publishMetrics checks the tag before the body is read.
func (h *ingestHandler) publishMetrics(w http.ResponseWriter, r *http.Request) {
	tag := r.PathValue("name")
	if tag == "" || !h.publish.Match(tag) {
		h.fail(w, r, "/publish", normalize.UnknownPrefix(tag))
		return
	}

	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	h.dispatch(w, r, normalize.PublishParser{Tag: tag}, body)
}

func (h *ingestHandler) dispatch(w http.ResponseWriter, r *http.Request, parser normalize.Parser, body []byte) {
	if _, err := h.dispatcher.Dispatch(r.Context(), parser, body); err != nil {
		h.fail(w, r, routeLabel(r.URL.Path), err)
		return
	}
	writeText(w, http.StatusOK, bodyOK)
}

// fail maps an error onto the producer-facing status and message.
func (h *ingestHandler) fail(w http.ResponseWriter, r *http.Request, route string, err error) {
	var nerr *normalize.Error
	switch {
	case errors.As(err, &nerr):
		h.recorder.Rejected(r.Context(), route, nerr.Kind.String())
		writeText(w, nerr.Kind.HTTPStatus(), nerr.Message)
	case errors.Is(err, ErrSink):
		writeText(w, http.StatusServiceUnavailable, bodyUnavailable)
	default:
		h.logger.ErrorContext(r.Context(), "request failed", slog.String("path", r.URL.Path), slog.String("error", err.Error()))
		writeText(w, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
	}
}

func (h *ingestHandler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	reader := io.Reader(r.Body)
	if h.maxBody > 0 {
		reader = http.MaxBytesReader(w, r.Body, h.maxBody)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		h.bodyError(w, r, err)
		return nil, false
	}
	return body, true
}

func (h *ingestHandler) readForm(w http.ResponseWriter, r *http.Request) (url.Values, bool) {
	if h.maxBody > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	}
	if err := r.ParseForm(); err != nil {
		h.bodyError(w, r, err)
		return nil, false
	}
	return r.PostForm, true
}

func (h *ingestHandler) bodyError(w http.ResponseWriter, r *http.Request, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeText(w, http.StatusRequestEntityTooLarge, bodyTooLarge)
		return
	}
	h.logger.WarnContext(r.Context(), "read request body failed", slog.String("path", r.URL.Path), slog.String("error", err.Error()))
	writeText(w, http.StatusBadRequest, bodyJSONRequired)
}

// routeLabel folds publish tags so telemetry attributes stay bounded.
func routeLabel(path string) string {
	switch {
	case strings.HasPrefix(path, "/publish/"):
		return "/publish"
	case path == "/health", path == "/collectd", path == "/github", path == "/pagerduty", path == "/druid":
		return path
	default:
		return "other"
	}
}

func isJSONRequest(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return false
	}
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
