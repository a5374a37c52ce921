package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/kwv/maplocalizer/localize"
)

// stateResponse is the body of GET /state.
type stateResponse struct {
	localize.StateSnapshot
	Keyframes     int    `json:"keyframes"`
	FramePending  bool   `json:"framePending"`
	FramesOffered uint64 `json:"framesOffered"`
	FramesDropped uint64 `json:"framesDropped"`
}

// newHTTPServer creates an HTTP server with all endpoints
func newHTTPServer(a *App) http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(recoverer(a.Logger))
	r.Use(requestLogger(a.Logger))
	r.Use(metricsMiddleware(a.Metrics))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		status := struct {
			Status    string    `json:"status"`
			Timestamp time.Time `json:"timestamp"`
			Uptime    string    `json:"uptime"`
			Keyframes int       `json:"keyframes"`
			MQTT      bool      `json:"mqtt"`
		}{
			Status:    "ok",
			Timestamp: time.Now(),
			Uptime:    time.Since(a.started).Round(time.Second).String(),
			MQTT:      a.MQTTClient != nil && a.MQTTClient.IsConnected(),
		}
		if a.Store != nil {
			status.Keyframes = a.Store.Size()
		}
		writeJSON(w, http.StatusOK, status)
	})

	r.Get("/state", func(w http.ResponseWriter, r *http.Request) {
		if a.Localizer == nil {
			http.Error(w, "localizer not ready", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, stateResponse{
			StateSnapshot: a.Localizer.State(),
			Keyframes:     a.Store.Size(),
			FramePending:  a.Mailbox.Pending(),
			FramesOffered: a.Mailbox.Offered(),
			FramesDropped: a.Mailbox.Dropped(),
		})
	})

	r.Handle("/metrics", promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{}))

	r.Get("/trajectory.geojson", func(w http.ResponseWriter, r *http.Request) {
		if a.Trajectory == nil {
			http.Error(w, "localizer not ready", http.StatusServiceUnavailable)
			return
		}
		body, err := a.Trajectory.FeatureCollection().MarshalJSON()
		if err != nil {
			a.Logger.Error("encoding trajectory GeoJSON", zap.Error(err))
			http.Error(w, "encoding failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/geo+json")
		w.Header().Set("Cache-Control", "no-cache")
		_, _ = w.Write(body)
	})

	r.Get("/trajectory.svg", renderTrajectory(a, "image/svg+xml", a.Renderer.RenderToSVG))
	r.Get("/trajectory.png", renderTrajectory(a, "image/png", a.Renderer.RenderToPNG))

	r.Post("/frames", func(w http.ResponseWriter, r *http.Request) {
		if a.Config.HTTP.MaxFrameSize > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, a.Config.HTTP.MaxFrameSize)
		}
		data, err := io.ReadAll(r.Body)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				http.Error(w, "frame too large", http.StatusRequestEntityTooLarge)
				return
			}
			http.Error(w, "reading frame: "+err.Error(), http.StatusBadRequest)
			return
		}
		if len(data) == 0 {
			http.Error(w, "empty frame", http.StatusBadRequest)
			return
		}

		frame := localize.Frame{Data: data, Source: "http:" + r.RemoteAddr, Received: time.Now()}
		if !a.HandleFrame(frame) {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "frame mailbox full", http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	return r
}

// renderTrajectory serves the trajectory through one of the renderer's
// writers. Rendering goes to a buffer first so errors still produce a
// proper status.
func renderTrajectory(a *App, contentType string, render func(io.Writer, localize.TrajectorySnapshot) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a.Trajectory == nil {
			http.Error(w, "localizer not ready", http.StatusServiceUnavailable)
			return
		}
		var buf bytes.Buffer
		if err := render(&buf, a.Trajectory.Snapshot()); err != nil {
			a.Logger.Warn("rendering trajectory", zap.String("type", contentType), zap.Error(err))
			http.Error(w, "nothing to render", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Cache-Control", "no-cache")
		_, _ = w.Write(buf.Bytes())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// recoverer turns a handler panic into a 500 and logs the stack.
func recoverer(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rvr := recover(); rvr != nil {
					logger.Error("panic recovered", zap.Any("panic", rvr), zap.Stack("stacktrace"))
					http.Error(w, "internal error", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// requestLogger emits one debug line per request.
func requestLogger(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				zap.String("request_id", chiMiddleware.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.String("remote", r.RemoteAddr),
				zap.Duration("took", time.Since(start)))
		})
	}
}

// metricsMiddleware records request duration and count by route pattern.
func metricsMiddleware(m *localize.Metrics) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)

			path := "unknown"
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				path = rc.RoutePattern()
			}
			status := strconv.Itoa(ww.status)
			m.HTTPDuration.WithLabelValues(r.Method, path, status).Observe(time.Since(start).Seconds())
			m.HTTPRequests.WithLabelValues(r.Method, path, status).Inc()
		})
	}
}

// statusWriter captures the response status code.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(status int) {
	if !w.wroteHeader {
		w.status = status
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.wroteHeader = true
	}
	return w.ResponseWriter.Write(b)
}
