package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"objmover/internal/storage"
)

// lister builds the listing snapshot for a run. The snapshot is taken once;
// artifacts appearing on the source afterward are out of scope for the run.
type lister struct {
	src    storage.Source
	logger *zap.Logger
}

// snapshot lists the source once, in listing order. A non-empty artifact key
// selects single-artifact mode.
func (l *lister) snapshot(ctx context.Context, prefix, artifactKey string) ([]storage.ArtifactInfo, int64, error) {
	if artifactKey != "" {
		info, err := l.src.Head(ctx, artifactKey)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to get artifact info for %s: %w", artifactKey, err)
		}
		return []storage.ArtifactInfo{info}, info.Size, nil
	}

	artCh, errCh := l.src.List(ctx, prefix)

	var artifacts []storage.ArtifactInfo
	var totalBytes int64

	for {
		select {
		case art, ok := <-artCh:
			if !ok {
				l.logger.Info("Finished listing source",
					zap.Int("total_artifacts", len(artifacts)),
					zap.Int64("total_bytes", totalBytes),
				)
				return artifacts, totalBytes, nil
			}
			artifacts = append(artifacts, art)
			totalBytes += art.Size

		case err := <-errCh:
			if err != nil {
				return nil, 0, fmt.Errorf("error listing source: %w", err)
			}

		case <-ctx.Done():
			return nil, 0, ctx.Err()
		}
	}
}
