package project

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/bluefermion/issuecapture/internal/model"
)

// Seed upserts the projects a deployment declares in its configuration.
// It stops at the first failure; a half-seeded key set would reject
// legitimate submissions in confusing ways.
func Seed(ctx context.Context, store Store, projects []model.Project, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	for i := range projects {
		p := projects[i]
		if err := checkKey(p.Key); err != nil {
			return fmt.Errorf("project %s: %w", p.ID, err)
		}
		if p.EnvironmentID == "" {
			p.EnvironmentID = "default"
		}
		if err := store.UpsertProject(ctx, &p); err != nil {
			return fmt.Errorf("seed project %s: %w", p.ID, err)
		}
		logger.Info("project provisioned",
			zap.String("projectId", p.ID),
			zap.String("environmentId", p.EnvironmentID),
			zap.Bool("enabled", p.Enabled),
			zap.Int("allowedOrigins", len(p.AllowedOrigins)))
	}
	return nil
}
