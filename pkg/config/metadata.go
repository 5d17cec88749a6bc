package config

import (
	"context"

	"cloud.google.com/go/compute/metadata"
	"go.uber.org/zap"
)

// DiscoverMetadata fills project, zone and instance from the compute
// metadata service when they were not configured. Outside of a metadata-
// serving environment it is a no-op; missing labels are logged and left
// empty, a missing project is left for Validate to reject.
func (c *Config) DiscoverMetadata(ctx context.Context, l *zap.Logger) {
	if !metadata.OnGCE() {
		return
	}

	if c.ProjectID == "" {
		project, err := metadata.ProjectIDWithContext(ctx)
		if err != nil {
			l.Warn("Failed to discover project ID", zap.Error(err))
		} else {
			c.ProjectID = project
		}
	}

	if c.Zone == "" {
		zone, err := metadata.ZoneWithContext(ctx)
		if err != nil {
			l.Warn("Failed to discover zone", zap.Error(err))
		} else {
			c.Zone = zone
		}
	}

	if c.Instance == "" {
		instance, err := metadata.InstanceNameWithContext(ctx)
		if err != nil {
			l.Warn("Failed to discover instance name", zap.Error(err))
		} else {
			c.Instance = instance
		}
	}
}
