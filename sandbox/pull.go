package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ImagePuller is implemented by backends that run images. Provision pulls a
// missing image on demand, inside the run's wall clock; pulling ahead of
// time keeps registry latency out of the first runs.
type ImagePuller interface {
	Pull(ctx context.Context, image string) error
}

// maxParallelPulls bounds concurrent image pulls
const maxParallelPulls = 4

// PullImages makes every image available to backend and returns how many
// are ready. A failed pull does not stop the others. Backends without
// images (local) have nothing to do.
func PullImages(ctx context.Context, logger *zap.Logger, backend Backend, images []string) (int, error) {
	puller, ok := backend.(ImagePuller)
	if !ok {
		logger.Debug("backend does not use images", zap.String("backend", backend.Name()))
		return 0, nil
	}

	var (
		g     errgroup.Group
		mu    sync.Mutex
		ready int
		errs  []error
	)
	g.SetLimit(maxParallelPulls)

	for _, image := range images {
		g.Go(func() error {
			start := time.Now()
			err := puller.Pull(ctx, image)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				logger.Warn("image pull failed", zap.String("image", image), zap.Error(err))
				errs = append(errs, fmt.Errorf("%s: %w", image, err))
				return nil
			}
			ready++
			logger.Debug("image ready", zap.String("image", image), zap.Duration("duration", time.Since(start)))
			return nil
		})
	}
	_ = g.Wait()

	return ready, errors.Join(errs...)
}
