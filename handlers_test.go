package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"

	"github.com/kwv/maplocalizer/localize"
)

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

// testKeyframes returns n keyframes on the x axis, each with two distinct
// descriptors so the store and matcher accept them.
func testKeyframes(n int) []localize.Keyframe {
	out := make([]localize.Keyframe, n)
	for i := range out {
		out[i] = localize.Keyframe{
			ID:          i,
			Keypoints:   []r2.Point{{X: 10, Y: 10}, {X: 20, Y: 20}},
			Descriptors: [][]float64{{float64(i), 0, 1}, {0, float64(i), -1}},
			Pose:        localize.NewTransform(localize.IdentityRotation(), r3.Vector{X: float64(i), Z: 10}),
		}
	}
	return out
}

// newTestApp returns an App with a hand-built store. When build is true the
// localizer is wired as well.
func newTestApp(t *testing.T, build bool) *App {
	t.Helper()
	cfg := localize.DefaultConfig()
	cfg.Map.Project = "unused.xml"
	cfg.Matcher.Workers = 1
	a := NewApp(cfg, nil)

	store, err := localize.NewKeyframeStore(testKeyframes(3))
	if err != nil {
		t.Fatalf("NewKeyframeStore: %v", err)
	}
	a.Store = store
	if build {
		if err := a.BuildLocalizer(context.Background(), localize.NewLocalizationState(cfg.Search.MaxRetries)); err != nil {
			t.Fatalf("BuildLocalizer: %v", err)
		}
	}
	return a
}

func do(t *testing.T, h http.Handler, method, path string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// ---------------------------------------------------------------------------
// /health and /state
// ---------------------------------------------------------------------------

func TestHealth(t *testing.T) {
	a := newTestApp(t, false)
	rec := do(t, newHTTPServer(a), http.MethodGet, "/health", nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %v, want ok", body["status"])
	}
	if body["keyframes"] != float64(3) {
		t.Errorf("keyframes = %v, want 3", body["keyframes"])
	}
	if body["mqtt"] != false {
		t.Errorf("mqtt = %v, want false", body["mqtt"])
	}
}

func TestState_NotReady(t *testing.T) {
	a := newTestApp(t, false)
	h := newHTTPServer(a)

	for _, path := range []string{"/state", "/trajectory.geojson", "/trajectory.svg", "/trajectory.png"} {
		rec := do(t, h, http.MethodGet, path, nil)
		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("%s: status = %d, want 503", path, rec.Code)
		}
	}
}

func TestState(t *testing.T) {
	a := newTestApp(t, true)
	rec := do(t, newHTTPServer(a), http.MethodGet, "/state", nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body stateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if body.Status != localize.Unlocalized {
		t.Errorf("status = %v, want UNLOCALIZED", body.Status)
	}
	if body.Keyframes != 3 {
		t.Errorf("keyframes = %d, want 3", body.Keyframes)
	}
	if body.FramePending {
		t.Error("no frame should be pending")
	}
	if !strings.Contains(rec.Body.String(), `"status":"UNLOCALIZED"`) {
		t.Errorf("status is not serialized as text: %s", rec.Body.String())
	}
}

// ---------------------------------------------------------------------------
// POST /frames
// ---------------------------------------------------------------------------

func TestFrames(t *testing.T) {
	a := newTestApp(t, true)
	a.Config.HTTP.MaxFrameSize = 16
	h := newHTTPServer(a)

	tests := []struct {
		name       string
		body       []byte
		wantStatus int
	}{
		{name: "accepted", body: []byte("frame-1"), wantStatus: http.StatusAccepted},
		{name: "mailbox full", body: []byte("frame-2"), wantStatus: http.StatusTooManyRequests},
		{name: "empty", body: nil, wantStatus: http.StatusBadRequest},
		{name: "too large", body: bytes.Repeat([]byte("x"), 17), wantStatus: http.StatusRequestEntityTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/frames", bytes.NewReader(tt.body))
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusTooManyRequests && rec.Header().Get("Retry-After") != "1" {
				t.Errorf("Retry-After = %q, want 1", rec.Header().Get("Retry-After"))
			}
		})
	}

	f, ok := a.Mailbox.Take()
	if !ok {
		t.Fatal("expected a pending frame")
	}
	if string(f.Data) != "frame-1" {
		t.Errorf("pending frame = %q, want frame-1", f.Data)
	}
	if !strings.HasPrefix(f.Source, "http:") {
		t.Errorf("source = %q, want http: prefix", f.Source)
	}
	if a.Mailbox.Dropped() != 1 {
		t.Errorf("dropped = %d, want 1", a.Mailbox.Dropped())
	}
}

// ---------------------------------------------------------------------------
// /metrics
// ---------------------------------------------------------------------------

func TestMetrics(t *testing.T) {
	a := newTestApp(t, true)
	h := newHTTPServer(a)

	do(t, h, http.MethodPost, "/frames", strings.NewReader("a"))
	do(t, h, http.MethodPost, "/frames", strings.NewReader("b"))
	do(t, h, http.MethodGet, "/health", nil)

	rec := do(t, h, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		`maplocalizer_frames_received_total{source="http"} 2`,
		`maplocalizer_http_requests_total{method="POST",path="/frames",status="202"} 1`,
		`maplocalizer_http_requests_total{method="POST",path="/frames",status="429"} 1`,
		`maplocalizer_http_requests_total{method="GET",path="/health",status="200"} 1`,
		`maplocalizer_keyframes`,
		`go_goroutines`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

// ---------------------------------------------------------------------------
// trajectory exports
// ---------------------------------------------------------------------------

func TestTrajectoryEndpoints(t *testing.T) {
	a := newTestApp(t, true)
	h := newHTTPServer(a)

	tests := []struct {
		path        string
		contentType string
		prefix      string
	}{
		{path: "/trajectory.geojson", contentType: "application/geo+json", prefix: "{"},
		{path: "/trajectory.svg", contentType: "image/svg+xml", prefix: "<svg"},
		{path: "/trajectory.png", contentType: "image/png", prefix: "\x89PNG"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := do(t, h, http.MethodGet, tt.path, nil)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", rec.Code)
			}
			if got := rec.Header().Get("Content-Type"); got != tt.contentType {
				t.Errorf("Content-Type = %q, want %q", got, tt.contentType)
			}
			if !strings.Contains(rec.Body.String(), tt.prefix) {
				t.Errorf("body does not contain %q", tt.prefix)
			}
		})
	}
}

func TestTrajectoryEndpoints_NothingToRender(t *testing.T) {
	a := newTestApp(t, true)
	a.Trajectory = localize.NewTrajectoryRecorder(nil, 0)
	h := newHTTPServer(a)

	for _, path := range []string{"/trajectory.svg", "/trajectory.png"} {
		rec := do(t, h, http.MethodGet, path, nil)
		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("%s: status = %d, want 503", path, rec.Code)
		}
	}

	rec := do(t, h, http.MethodGet, "/trajectory.geojson", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("an empty collection is still valid GeoJSON, got %d", rec.Code)
	}
}

func TestRecoverer(t *testing.T) {
	a := newTestApp(t, false)
	h := recoverer(a.Logger)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := do(t, h, http.MethodGet, "/", nil)
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestSourceKind(t *testing.T) {
	tests := map[string]string{
		"http:127.0.0.1:5000":      "http",
		"mqtt:maplocalizer/frames": "mqtt",
		"file":                     "file",
		"":                         "unknown",
	}
	for in, want := range tests {
		if got := sourceKind(in); got != want {
			t.Errorf("sourceKind(%q) = %q, want %q", in, got, want)
		}
	}
}
