package localize

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

var imageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
	".bmp": true, ".tif": true, ".tiff": true, ".webp": true,
}

// IsImageFile reports whether a path has a decodable image extension.
func IsImageFile(path string) bool {
	return imageExtensions[strings.ToLower(filepath.Ext(path))]
}

// DirSource turns image files written into a directory into frames.
type DirSource struct {
	dir     string
	handler FrameHandler
	logger  *zap.Logger
	// settle is how long a file must stay unchanged before it is read.
	settle time.Duration
}

// NewDirSource watches dir and calls handler for each new image.
func NewDirSource(dir string, handler FrameHandler, logger *zap.Logger) *DirSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DirSource{dir: dir, handler: handler, logger: logger.Named("dirsource"), settle: 50 * time.Millisecond}
}

// Run watches until ctx is done.
func (d *DirSource) Run(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(d.dir); err != nil {
		return fmt.Errorf("watch %s: %w", d.dir, err)
	}
	d.logger.Info("watching for frames", zap.String("dir", d.dir))

	pending := make(map[string]time.Time)
	ticker := time.NewTicker(d.settle)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			if IsImageFile(ev.Name) {
				pending[ev.Name] = time.Now()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			d.logger.Warn("watcher error", zap.Error(err))
		case now := <-ticker.C:
			for path, seen := range pending {
				if now.Sub(seen) < d.settle {
					continue
				}
				delete(pending, path)
				d.emit(path)
			}
		}
	}
}

func (d *DirSource) emit(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		d.logger.Warn("frame unreadable", zap.String("path", path), zap.Error(err))
		return
	}
	if len(data) == 0 {
		return
	}
	d.handler(Frame{Data: data, Source: "file:" + filepath.Base(path), Received: time.Now()})
}
