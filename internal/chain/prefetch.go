package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/seantiz/chainlink/internal/backend"
)

// Prefetcher resolves images before any stage runs.
type Prefetcher struct {
	backend backend.Backend
	logger  *slog.Logger
	limit   int
}

// NewPrefetcher creates a Prefetcher. limit bounds the number of concurrent
// pulls; zero or less means one goroutine per image.
func NewPrefetcher(b backend.Backend, logger *slog.Logger, limit int) *Prefetcher {
	return &Prefetcher{backend: b, logger: logger, limit: limit}
}

// Prefetch resolves every distinct image in images. An image resolves when
// it can be pulled from its registry or, failing that, is already present
// locally. All images are attempted even after one fails; the returned
// *ImageUnavailableError lists every image that did not resolve.
func (p *Prefetcher) Prefetch(ctx context.Context, images []string) error {
	images = slices.Compact(slices.Sorted(slices.Values(images)))
	start := time.Now()
	defer func() { prefetchDuration.Observe(time.Since(start).Seconds()) }()

	// One slot per image, each written by exactly one goroutine.
	causes := make([]error, len(images))

	var g errgroup.Group
	if p.limit > 0 {
		g.SetLimit(p.limit)
	}
	for i, ref := range images {
		g.Go(func() error {
			causes[i] = p.resolve(ctx, ref)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return err
	}

	var unavailable *ImageUnavailableError
	for i, err := range causes {
		if err == nil {
			continue
		}
		if unavailable == nil {
			unavailable = &ImageUnavailableError{Causes: make(map[string]error)}
		}
		unavailable.Images = append(unavailable.Images, images[i])
		unavailable.Causes[images[i]] = err
	}
	if unavailable != nil {
		return unavailable
	}
	p.logger.Info("images resolved", "count", len(images), "duration_ms", time.Since(start).Milliseconds())
	return nil
}

// resolve pulls ref and falls back to the local store on any pull failure.
func (p *Prefetcher) resolve(ctx context.Context, ref string) error {
	logger := p.logger.With("image", ref)

	pullErr := p.backend.PullImage(ctx, ref)
	if pullErr == nil {
		imageResolutions.WithLabelValues(sourceRegistry).Inc()
		logger.Debug("image pulled")
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(pullErr, backend.ErrImageNotFound) {
		logger.Info("image not in registry, checking local store")
	} else {
		logger.Warn("image pull failed, checking local store", "error", pullErr)
	}

	if err := p.backend.InspectImage(ctx, ref); err != nil {
		imageResolutions.WithLabelValues(sourceMissing).Inc()
		logger.Error("image unavailable", "error", err)
		return fmt.Errorf("pull: %v; local: %w", pullErr, err)
	}
	imageResolutions.WithLabelValues(sourceLocal).Inc()
	logger.Info("using local image")
	return nil
}
