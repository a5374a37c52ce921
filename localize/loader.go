package localize

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ProjectCamera is one aligned camera of a photogrammetry project.
type ProjectCamera struct {
	Label     string
	ImagePath string
	Pose      Transform
}

type projectDocument struct {
	XMLName xml.Name       `xml:"document"`
	Chunks  []projectChunk `xml:"chunk"`
}

type projectChunk struct {
	Active  string          `xml:"active,attr"`
	Label   string          `xml:"label,attr"`
	Cameras []projectCamera `xml:"cameras>camera"`
}

type projectCamera struct {
	Label     string  `xml:"label,attr"`
	Image     imgElem `xml:"frames>frame>image"`
	Transform *string `xml:"transform"`
}

type imgElem struct {
	Path string `xml:"path,attr"`
}

// ParseProject reads the aligned cameras of every active chunk. Cameras
// without a transform are skipped; a transform that does not parse fails
// with ErrMalformedPose.
func ParseProject(r io.Reader) ([]ProjectCamera, error) {
	var doc projectDocument
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProjectUnreadable, err)
	}

	var out []ProjectCamera
	for _, ch := range doc.Chunks {
		if ch.Active != "true" {
			continue
		}
		for _, cam := range ch.Cameras {
			if cam.Transform == nil {
				continue
			}
			if cam.Image.Path == "" {
				return nil, fmt.Errorf("%w: camera %q has no image path", ErrProjectUnreadable, cam.Label)
			}
			pose, err := ParseTransform(*cam.Transform)
			if err != nil {
				return nil, fmt.Errorf("camera %q: %w", cam.Label, err)
			}
			out = append(out, ProjectCamera{Label: cam.Label, ImagePath: cam.Image.Path, Pose: pose})
		}
	}
	return out, nil
}

// LoadOptions configures LoadMap.
type LoadOptions struct {
	ProjectPath string
	// ImageRoot prefixes relative image paths. Empty means the project's
	// directory.
	ImageRoot string
	Cache     DescriptorCache // optional
	Extractor FeatureExtractor
	Workers   int
	Logger    *zap.Logger
}

// LoadMap reads the project, hydrates descriptors from the cache and
// extracts any that are missing, writing them back. Keyframe IDs are the
// load index.
func LoadMap(ctx context.Context, opts LoadOptions) ([]Keyframe, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("loader")

	f, err := os.Open(opts.ProjectPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProjectUnreadable, err)
	}
	cams, err := ParseProject(f)
	f.Close()
	if err != nil {
		return nil, err
	}
	if len(cams) == 0 {
		return nil, ErrEmptyMap
	}

	root := opts.ImageRoot
	if root == "" {
		root = filepath.Dir(opts.ProjectPath)
	}

	frames := make([]Keyframe, len(cams))
	var misses []int
	for i, c := range cams {
		frames[i] = Keyframe{ID: i, ImagePath: resolveImagePath(root, c.ImagePath), Pose: c.Pose}
		if opts.Cache == nil {
			misses = append(misses, i)
			continue
		}
		kps, descs, err := opts.Cache.Get(i)
		switch {
		case errors.Is(err, ErrCacheMiss):
			misses = append(misses, i)
		case err != nil:
			return nil, err
		case opts.Extractor != nil && len(descs) > 0 && len(descs[0]) != opts.Extractor.DescriptorLength():
			logger.Warn("stale cache entry, re-extracting",
				zap.Int("keyframe", i),
				zap.Int("cachedLength", len(descs[0])),
				zap.Int("wantLength", opts.Extractor.DescriptorLength()))
			misses = append(misses, i)
		default:
			frames[i].Keypoints, frames[i].Descriptors = kps, descs
		}
	}

	logger.Info("project parsed",
		zap.String("project", opts.ProjectPath),
		zap.Int("keyframes", len(frames)),
		zap.Int("cached", len(frames)-len(misses)))

	if len(misses) > 0 {
		if opts.Extractor == nil {
			return nil, fmt.Errorf("%w: %d keyframes need extraction but no extractor is configured",
				ErrCacheUnreadable, len(misses))
		}
		if err := extractKeyframes(ctx, opts, frames, misses, logger); err != nil {
			return nil, err
		}
	}
	return frames, nil
}

func resolveImagePath(root, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(root, filepath.FromSlash(strings.TrimPrefix(p, "./")))
}

func extractKeyframes(ctx context.Context, opts LoadOptions, frames []Keyframe, idx []int, logger *zap.Logger) error {
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, i := range idx {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			kf := &frames[i]
			img, err := LoadImage(kf.ImagePath)
			if err != nil {
				return fmt.Errorf("%w: %s: %v", ErrImageUnreadable, kf.ImagePath, err)
			}
			kps, descs, err := opts.Extractor.Extract(img)
			if err != nil {
				return fmt.Errorf("%w: %s: %v", ErrImageUnreadable, kf.ImagePath, err)
			}
			kf.Keypoints, kf.Descriptors = kps, descs
			if opts.Cache != nil {
				if err := opts.Cache.Put(i, kps, descs); err != nil {
					logger.Warn("descriptor cache write failed", zap.Int("keyframe", i), zap.Error(err))
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("keyframes extracted", zap.Int("count", len(idx)))
	return nil
}
