package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kwv/maplocalizer/localize"
)

// App encapsulates the application state and dependencies
type App struct {
	Config   *localize.Config
	Logger   *zap.Logger
	Registry *prometheus.Registry
	Metrics  *localize.Metrics

	Cache      *localize.BadgerDescriptorCache
	Extractor  *localize.HarrisPatchExtractor
	Store      *localize.KeyframeStore
	Localizer  *localize.Localizer
	Mailbox    *localize.FrameMailbox
	Trajectory *localize.TrajectoryRecorder
	Renderer   *localize.TrajectoryRenderer
	MQTTClient *localize.MQTTClient
	Publisher  *localize.PosePublisher

	// started is the process start time reported by /health.
	started time.Time
}

// NewApp creates an App with a private metrics registry.
func NewApp(cfg *localize.Config, logger *zap.Logger) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return &App{
		Config:    cfg,
		Logger:    logger,
		Registry:  reg,
		Metrics:   localize.NewMetrics(reg),
		Extractor: localize.NewHarrisPatchExtractor(cfg.Extractor),
		Mailbox:   localize.NewFrameMailbox(logger),
		Renderer:  localize.NewTrajectoryRenderer(),
		started:   time.Now(),
	}
}

// LoadMap opens the descriptor cache, loads the project and builds the
// keyframe store. Cache misses are extracted and written back.
func (a *App) LoadMap(ctx context.Context) error {
	cfg := a.Config
	if cfg.Map.Cache.InMemory || cfg.Map.Cache.Path != "" {
		cache, err := localize.OpenDescriptorCache(cfg.Map.Cache, a.Logger)
		if err != nil {
			return err
		}
		a.Cache = cache
	}

	opts := localize.LoadOptions{
		ProjectPath: cfg.Map.Project,
		ImageRoot:   cfg.Map.ImageRoot,
		Extractor:   a.Extractor,
		Workers:     cfg.Matcher.Workers,
		Logger:      a.Logger,
	}
	if a.Cache != nil {
		opts.Cache = a.Cache
	}

	start := time.Now()
	frames, err := localize.LoadMap(ctx, opts)
	if err != nil {
		return err
	}
	store, err := localize.NewKeyframeStore(frames)
	if err != nil {
		return err
	}
	a.Store = store
	a.Metrics.Keyframes.Set(float64(store.Size()))
	a.Logger.Info("map loaded",
		zap.String("project", cfg.Map.Project),
		zap.Int("keyframes", store.Size()),
		zap.Duration("took", time.Since(start)))
	return nil
}

// BuildLocalizer wires the matcher, pose recovery, fusion, state and sinks
// around the loaded store. extraSinks receive every record after the log
// sink and the trajectory recorder.
func (a *App) BuildLocalizer(ctx context.Context, state *localize.LocalizationState, extraSinks ...localize.PoseSink) error {
	if a.Store == nil {
		return fmt.Errorf("map not loaded")
	}
	cfg := a.Config

	cam, err := cfg.Camera.Intrinsics()
	if err != nil {
		return fmt.Errorf("camera: %w", err)
	}
	matcher, err := localize.NewMatcher(cfg.Matcher, a.Logger)
	if err != nil {
		return fmt.Errorf("matcher: %w", err)
	}
	if err := matcher.Warm(ctx, a.Store.All()); err != nil {
		return fmt.Errorf("warming descriptor indexes: %w", err)
	}
	recoverer, err := localize.NewPoseRecoverer(cfg.Pose, cam)
	if err != nil {
		return fmt.Errorf("pose: %w", err)
	}

	a.Trajectory = localize.NewTrajectoryRecorder(a.Store.All(), 0)
	a.Trajectory.Seed(state.Snapshot().History)

	sinks := localize.MultiSink{localize.NewLogSink(a.Logger), a.Trajectory}
	sinks = append(sinks, extraSinks...)

	loc, err := localize.NewLocalizer(localize.LocalizerOptions{
		Store:     a.Store,
		Scorer:    matcher,
		Recoverer: recoverer,
		Fuser:     localize.NewPositionFuser(cfg.Fusion),
		State:     state,
		Search:    cfg.Search,
		Extractor: a.Extractor,
		Mailbox:   a.Mailbox,
		Sink:      sinks,
		Metrics:   a.Metrics,
		Logger:    a.Logger,
	})
	if err != nil {
		return err
	}
	a.Localizer = loc
	return nil
}

// newState builds the localization state, reloading persisted history when
// a history path is configured.
func (a *App) newState() *localize.LocalizationState {
	if p := a.Config.State.HistoryPath; p != "" {
		return localize.NewLocalizationStateWithHistory(a.Config.Search.MaxRetries, p)
	}
	return localize.NewLocalizationState(a.Config.Search.MaxRetries)
}

// HandleFrame counts a frame by source kind and offers it to the mailbox.
func (a *App) HandleFrame(f localize.Frame) bool {
	a.Metrics.FramesReceived.WithLabelValues(sourceKind(f.Source)).Inc()
	return a.Mailbox.Offer(f)
}

// sourceKind returns the part of a frame source before the first colon.
func sourceKind(source string) string {
	kind, _, _ := strings.Cut(source, ":")
	if kind == "" {
		return "unknown"
	}
	return kind
}

// RunService loads the map, starts every frame source and sink, runs the
// localization loop and serves HTTP until ctx is done.
func (a *App) RunService(ctx context.Context) error {
	cfg := a.Config
	if err := a.LoadMap(ctx); err != nil {
		return fmt.Errorf("loading map: %w", err)
	}

	a.Mailbox.OnDrop(func(localize.Frame) { a.Metrics.FramesDropped.Inc() })

	mqttClient, err := localize.InitMQTT(cfg.MQTT, func(f localize.Frame) { a.HandleFrame(f) }, a.Logger)
	if err != nil {
		return fmt.Errorf("initializing MQTT: %w", err)
	}
	a.MQTTClient = mqttClient

	var extra []localize.PoseSink
	if mqttClient != nil {
		a.Publisher = localize.NewPosePublisher(mqttClient.GetClient(), cfg.MQTT.PublishPrefix, a.Logger)
		extra = append(extra, a.Publisher)
	}

	if err := a.BuildLocalizer(ctx, a.newState(), extra...); err != nil {
		return err
	}
	if a.Publisher != nil {
		a.Localizer.OnCycle(func(res localize.CycleResult) {
			if res.Outcome() != localize.OutcomeFailed {
				return
			}
			if err := a.Publisher.PublishStatus(res.State.Status, res.State.RetryCount); err != nil {
				a.Logger.Debug("status not published", zap.Error(err))
			}
		})
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           newHTTPServer(a),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.Localizer.Run(gctx, cfg.Loop.Interval)
	})
	if dir := cfg.Frames.Directory; dir != "" {
		src := localize.NewDirSource(dir, func(f localize.Frame) { a.HandleFrame(f) }, a.Logger)
		g.Go(func() error { return src.Run(gctx) })
	}
	if cfg.HTTP.Addr != "" {
		g.Go(func() error {
			a.Logger.Info("starting HTTP server", zap.String("addr", cfg.HTTP.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("HTTP server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	a.Logger.Info("service running",
		zap.Int("keyframes", a.Store.Size()),
		zap.Bool("mqtt", mqttClient != nil),
		zap.String("frameDir", cfg.Frames.Directory),
		zap.Duration("interval", cfg.Loop.Interval))

	err = g.Wait()
	a.Logger.Info("shutting down service")
	return err
}

// BuildCache extracts every keyframe missing from the cache and writes it.
func (a *App) BuildCache(ctx context.Context, w io.Writer) error {
	if !a.Config.Map.Cache.InMemory && a.Config.Map.Cache.Path == "" {
		return fmt.Errorf("map.cache.path is not set")
	}
	if err := a.LoadMap(ctx); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "cached %d keyframes in %s\n", a.Store.Size(), a.Config.Map.Cache.Path)
	return err
}

// Inspect prints keyframe count, descriptor statistics and map bounds.
func (a *App) Inspect(ctx context.Context, w io.Writer) error {
	if err := a.LoadMap(ctx); err != nil {
		return err
	}
	all := a.Store.All()
	counts := make([]int, len(all))
	total, dim := 0, 0
	for i, kf := range all {
		counts[i] = len(kf.Descriptors)
		total += counts[i]
		if dim == 0 && len(kf.Descriptors) > 0 {
			dim = len(kf.Descriptors[0])
		}
	}
	sort.Ints(counts)
	lo, hi := a.Store.Bounds()

	fmt.Fprintf(w, "Project:     %s\n", a.Config.Map.Project)
	fmt.Fprintf(w, "Keyframes:   %d\n", len(all))
	fmt.Fprintf(w, "Descriptors: %d total, length %d\n", total, dim)
	fmt.Fprintf(w, "Per keyframe: min %d, median %d, max %d\n",
		counts[0], counts[len(counts)/2], counts[len(counts)-1])
	fmt.Fprintf(w, "Bounds:      (%.3f, %.3f, %.3f) .. (%.3f, %.3f, %.3f)\n",
		lo.X, lo.Y, lo.Z, hi.X, hi.Y, hi.Z)
	return nil
}

// LocalizeImage runs a single unlocalized cycle on an image file and writes
// the record as JSON.
func (a *App) LocalizeImage(ctx context.Context, path string, w io.Writer) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if err := a.LoadMap(ctx); err != nil {
		return err
	}
	if err := a.BuildLocalizer(ctx, localize.NewLocalizationState(a.Config.Search.MaxRetries)); err != nil {
		return err
	}

	frame := localize.Frame{Data: data, Source: "file:" + filepath.Base(path), Received: time.Now()}
	res, err := a.Localizer.LocalizeFrame(ctx, frame)
	if err != nil {
		return err
	}
	if res.Err != nil {
		return fmt.Errorf("cycle %s %s: %w", res.CycleID, res.Outcome(), res.Err)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(res.Record)
}

// Evaluate replays keyframes as queries and writes the per-keyframe error
// as JSON followed by a summary line.
func (a *App) Evaluate(ctx context.Context, ids []int, w io.Writer) error {
	if err := a.LoadMap(ctx); err != nil {
		return err
	}
	if err := a.BuildLocalizer(ctx, localize.NewLocalizationState(a.Config.Search.MaxRetries)); err != nil {
		return err
	}
	results, err := a.Localizer.Evaluate(ctx, ids)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(results); err != nil {
		return err
	}

	ok, sum := 0, 0.0
	for _, r := range results {
		if r.Estimated != nil {
			ok++
			sum += r.Error
		}
	}
	if ok == 0 {
		_, err = fmt.Fprintf(w, "localized 0/%d keyframes\n", len(results))
		return err
	}
	_, err = fmt.Fprintf(w, "localized %d/%d keyframes, mean error %.4f\n", ok, len(results), sum/float64(ok))
	return err
}

// Close releases the cache and the MQTT connection.
func (a *App) Close() error {
	if a.MQTTClient != nil {
		a.MQTTClient.Disconnect()
	}
	if a.Cache != nil {
		return a.Cache.Close()
	}
	return nil
}
