package cli

import (
	"context"
	"log/slog"

	"github.com/aretw0/conductor"
)

// WatchCatalog reloads the catalog whenever one of its files changes, until
// ctx is done. Live sessions keep the graph they started with.
func WatchCatalog(ctx context.Context, rt *conductor.Runtime, logger *slog.Logger) error {
	for {
		iterCtx, cancel := context.WithCancel(ctx)
		changes, err := rt.Watch(iterCtx)
		if err != nil {
			cancel()
			return err
		}

		select {
		case <-ctx.Done():
			cancel()
			return nil
		case _, ok := <-changes:
			cancel()
			if !ok {
				return nil
			}
		}

		logger.Info("catalog changed, reloading")
		report, err := rt.Load(ctx)
		if err != nil {
			logger.Error("catalog reload failed", "err", err)
			continue
		}
		logReport(logger, report)
	}
}
