package pipeline

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	json "github.com/goccy/go-json"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"backstop/internal/match"
	"backstop/internal/telemetry"
)

func newTestHandler(t *testing.T, sink Sink, opts RouteOptions) http.Handler {
	t.Helper()
	if opts.Publish.Len() == 0 {
		publish, err := match.CompileSet([]string{"team", "ops-*"})
		if err != nil {
			t.Fatalf("compile publish: %v", err)
		}
		opts.Publish = publish
	}
	dispatcher := NewDispatcher(sink, fixedResolver, discardLogger(), nil)
	return NewHandler(dispatcher, opts, discardLogger(), nil)
}

func serve(handler http.Handler, method, target, contentType, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHandler_Health(t *testing.T) {
	handler := newTestHandler(t, &captureSink{}, RouteOptions{Users: map[string]string{"u": "p"}})

	rec := serve(handler, http.MethodGet, "/health", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if body["health"] != "ok" {
		t.Fatalf("unexpected health body: %v", body)
	}
	if rec.Header().Get(requestIDHeader) == "" {
		t.Fatal("expected generated request id")
	}
}

func TestHandler_KeepsCallerRequestID(t *testing.T) {
	handler := newTestHandler(t, &captureSink{}, RouteOptions{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(requestIDHeader, "abc-123")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if got := rec.Header().Get(requestIDHeader); got != "abc-123" {
		t.Fatalf("unexpected request id: %q", got)
	}
}

func TestHandler_Collectd(t *testing.T) {
	sink := &captureSink{}
	handler := newTestHandler(t, sink, RouteOptions{})

	rec := serve(handler, http.MethodPost, "/collectd", "application/json",
		`[{"cloud":"us.east","slot":"3","id":7,"metric":"cpu","value":12.5,"measure_time":1690000000}]`)
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("unexpected response: %d %q", rec.Code, rec.Body.String())
	}
	if names := sink.names(); len(names) != 1 || names[0] != "mitt.us-east.3.7.cpu" {
		t.Fatalf("unexpected events: %v", names)
	}
}

func TestHandler_Rejections(t *testing.T) {
	cases := []struct {
		name   string
		method string
		target string
		body   string
		status int
		want   string
	}{
		{"collectd not array", http.MethodPost, "/collectd", `{"cloud":"a"}`, http.StatusBadRequest, "JSON is required"},
		{"collectd missing value", http.MethodPost, "/collectd", `[{"cloud":"a","slot":"1","id":"1","metric":"m","measure_time":1}]`, http.StatusBadRequest, "missing fields"},
		{"druid not array", http.MethodPost, "/druid", `{"feed":"metrics"}`, http.StatusBadRequest, "metrics JSON is not an array. "},
		{"druid unknown item", http.MethodPost, "/druid", `[{"feed":"weird"}]`, http.StatusBadRequest, "unrecognized metric. Please look into backstop logs for details."},
		{"publish unknown prefix", http.MethodPost, "/publish/secret", `{"metric":"a","value":1}`, http.StatusNotFound, "unknown prefix"},
		{"publish unknown prefix malformed body", http.MethodPost, "/publish/secret", `nope`, http.StatusNotFound, "unknown prefix"},
		{"publish bad body", http.MethodPost, "/publish/team", `nope`, http.StatusBadRequest, "JSON is required"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sink := &captureSink{}
			handler := newTestHandler(t, sink, RouteOptions{})
			rec := serve(handler, tc.method, tc.target, "application/json", tc.body)
			if rec.Code != tc.status {
				t.Fatalf("unexpected status: got %d want %d (body %q)", rec.Code, tc.status, rec.Body.String())
			}
			if rec.Body.String() != tc.want {
				t.Fatalf("unexpected body: %q", rec.Body.String())
			}
			if len(sink.names()) != 0 {
				t.Fatalf("no events expected, got %v", sink.names())
			}
		})
	}
}

func TestHandler_MethodNotAllowed(t *testing.T) {
	handler := newTestHandler(t, &captureSink{}, RouteOptions{})
	rec := serve(handler, http.MethodGet, "/collectd", "", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
}

type countingReader struct {
	reads int
}

func (r *countingReader) Read([]byte) (int, error) {
	r.reads++
	return 0, io.EOF
}

func TestHandler_PublishUnknownPrefixSkipsBody(t *testing.T) {
	handler := newTestHandler(t, &captureSink{}, RouteOptions{})
	body := &countingReader{}
	req := httptest.NewRequest(http.MethodPost, "/publish/secret", body)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound || rec.Body.String() != "unknown prefix" {
		t.Fatalf("unexpected response: %d %q", rec.Code, rec.Body.String())
	}
	if body.reads != 0 {
		t.Fatalf("body must not be read for an unknown prefix, got %d reads", body.reads)
	}
}

func TestHandler_PublishWildcardPrefix(t *testing.T) {
	sink := &captureSink{}
	handler := newTestHandler(t, sink, RouteOptions{})

	rec := serve(handler, http.MethodPost, "/publish/ops-eu", "application/json",
		`[{"metric":"deploys","value":1,"measure_time":1690000000},{"metric":"errors","value":"2"}]`)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d %q", rec.Code, rec.Body.String())
	}
	names := sink.names()
	if len(names) != 2 || names[0] != "ops-eu.deploys" || names[1] != "ops-eu.errors" {
		t.Fatalf("unexpected events: %v", names)
	}
	if sink.events[1].HasTimestamp() {
		t.Fatalf("publish item without measure_time must be stamped by the sink, got %d", sink.events[1].Timestamp)
	}
}

func TestHandler_GitHubFormAndJSON(t *testing.T) {
	push := `{"ref":"refs/heads/main","repository":{"name":"backstop"},"commits":[{"id":"abc","timestamp":"2013-01-01T00:00:00Z","author":{"email":"a@b.c"}}]}`

	sink := &captureSink{}
	handler := newTestHandler(t, sink, RouteOptions{})

	form := url.Values{"payload": {push}}.Encode()
	if rec := serve(handler, http.MethodPost, "/github", "application/x-www-form-urlencoded", form); rec.Code != http.StatusOK {
		t.Fatalf("form push: %d %q", rec.Code, rec.Body.String())
	}
	if rec := serve(handler, http.MethodPost, "/github", "application/json", push); rec.Code != http.StatusOK {
		t.Fatalf("json push: %d %q", rec.Code, rec.Body.String())
	}

	names := sink.names()
	if len(names) != 2 || names[0] != names[1] || names[0] != "github.backstop.refs.heads.main.a-b-c.abc" {
		t.Fatalf("unexpected events: %v", names)
	}

	rec := serve(handler, http.MethodPost, "/github", "application/x-www-form-urlencoded", "other=1")
	if rec.Code != http.StatusBadRequest || rec.Body.String() != "JSON is required" {
		t.Fatalf("missing payload field: %d %q", rec.Code, rec.Body.String())
	}
}

func TestHandler_PagerDutyForm(t *testing.T) {
	sink := &captureSink{}
	handler := newTestHandler(t, sink, RouteOptions{})

	form := url.Values{}
	form.Set("service[name]", "nagios")
	form.Set("trigger_summary_data[HOSTNAME]", "web.1")
	form.Set("trigger_summary_data[SERVICEDESC]", "http")
	form.Set("created_on", "2013-01-01T00:00:00Z")

	rec := serve(handler, http.MethodPost, "/pagerduty", "application/x-www-form-urlencoded", form.Encode())
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d %q", rec.Code, rec.Body.String())
	}
	if names := sink.names(); len(names) != 1 || names[0] != "alerts.nagios.web_1.http" {
		t.Fatalf("unexpected events: %v", names)
	}

	rec = serve(handler, http.MethodPost, "/pagerduty", "application/json", `{"service":{"name":"Datadog"}}`)
	if rec.Code != http.StatusBadRequest || rec.Body.String() != "unknown alert" {
		t.Fatalf("unknown integration: %d %q", rec.Code, rec.Body.String())
	}
}

func TestHandler_BasicAuth(t *testing.T) {
	sink := &captureSink{}
	handler := newTestHandler(t, sink, RouteOptions{Users: map[string]string{"ops": "s3cret"}})
	body := `[{"cloud":"a","slot":"1","id":"1","metric":"m","value":1,"measure_time":1}]`

	rec := serve(handler, http.MethodPost, "/collectd", "application/json", body)
	if rec.Code != http.StatusUnauthorized || rec.Body.String() != "Not authorized\n" {
		t.Fatalf("unexpected unauthenticated response: %d %q", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("WWW-Authenticate"); got != authRealm {
		t.Fatalf("unexpected challenge: %q", got)
	}

	for _, creds := range [][2]string{{"ops", "wrong"}, {"nobody", "s3cret"}} {
		req := httptest.NewRequest(http.MethodPost, "/collectd", strings.NewReader(body))
		req.SetBasicAuth(creds[0], creds[1])
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("credentials %v: unexpected status %d", creds, rec.Code)
		}
	}

	req := httptest.NewRequest(http.MethodPost, "/collectd", strings.NewReader(body))
	req.SetBasicAuth("ops", "s3cret")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("authenticated request: %d %q", rec.Code, rec.Body.String())
	}
	if len(sink.names()) != 1 {
		t.Fatalf("expected one event after authenticated request, got %v", sink.names())
	}
}

func TestHandler_RateLimit(t *testing.T) {
	handler := newTestHandler(t, &captureSink{}, RouteOptions{RateLimit: 0.001, Burst: 1})

	first := serve(handler, http.MethodPost, "/druid", "application/json", `[]`)
	if first.Code != http.StatusOK {
		t.Fatalf("first request: %d", first.Code)
	}
	second := serve(handler, http.MethodPost, "/druid", "application/json", `[]`)
	if second.Code != http.StatusTooManyRequests || second.Body.String() != bodyRateLimited {
		t.Fatalf("second request: %d %q", second.Code, second.Body.String())
	}
	if health := serve(handler, http.MethodGet, "/health", "", ""); health.Code != http.StatusOK {
		t.Fatalf("health must bypass the limiter, got %d", health.Code)
	}
}

func TestHandler_BodyTooLarge(t *testing.T) {
	handler := newTestHandler(t, &captureSink{}, RouteOptions{MaxBody: 16})
	rec := serve(handler, http.MethodPost, "/druid", "application/json", `[`+strings.Repeat(" ", 64)+`]`)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
}

func TestHandler_SinkFailureIs503(t *testing.T) {
	handler := newTestHandler(t, &captureSink{err: errors.New("down")}, RouteOptions{})
	rec := serve(handler, http.MethodPost, "/publish/team", "application/json", `{"metric":"a","value":1}`)
	if rec.Code != http.StatusServiceUnavailable || rec.Body.String() != bodyUnavailable {
		t.Fatalf("unexpected response: %d %q", rec.Code, rec.Body.String())
	}
}

func TestHandler_RecordsBoundedRouteLabels(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = provider.Shutdown(context.Background()) }()
	recorder, err := telemetry.NewRecorder(provider.Meter("test"))
	if err != nil {
		t.Fatalf("recorder: %v", err)
	}

	publish, _ := match.CompileSet([]string{"*"})
	dispatcher := NewDispatcher(&captureSink{}, fixedResolver, discardLogger(), recorder)
	handler := NewHandler(dispatcher, RouteOptions{Publish: publish}, discardLogger(), recorder)

	for _, tag := range []string{"a", "b", "c"} {
		serve(handler, http.MethodPost, "/publish/"+tag, "application/json", `{"metric":"m","value":1}`)
	}
	serve(handler, http.MethodGet, "/nowhere", "", "")

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	routes := map[string]int64{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != "backstop.http.requests" {
				continue
			}
			for _, dp := range m.Data.(metricdata.Sum[int64]).DataPoints {
				route, _ := dp.Attributes.Value("route")
				routes[route.AsString()] += dp.Value
			}
		}
	}
	if routes["/publish"] != 3 || routes["other"] != 1 || len(routes) != 2 {
		t.Fatalf("unexpected route labels: %v", routes)
	}
}

func TestRouteLabel(t *testing.T) {
	cases := map[string]string{
		"/publish/team": "/publish",
		"/collectd":     "/collectd",
		"/health":       "/health",
		"/favicon.ico":  "other",
	}
	for in, want := range cases {
		if got := routeLabel(in); got != want {
			t.Fatalf("%q: got %q want %q", in, got, want)
		}
	}
}

func TestIsJSONRequest(t *testing.T) {
	for contentType, want := range map[string]bool{
		"application/json":                  true,
		"application/json; charset=utf-8":   true,
		"application/vnd.github+json":       true,
		"application/x-www-form-urlencoded": false,
		"":                                  false,
	} {
		req := httptest.NewRequest(http.MethodPost, "/", io.NopCloser(strings.NewReader("")))
		req.Header.Set("Content-Type", contentType)
		if got := isJSONRequest(req); got != want {
			t.Fatalf("%q: got %v want %v", contentType, got, want)
		}
	}
}
