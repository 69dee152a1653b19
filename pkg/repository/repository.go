// Package repository provides shared storage connections for the connector.
package repository

import "context"

// HealthChecker is implemented by connections the admin API probes for readiness.
type HealthChecker interface {
	Ping(ctx context.Context) error
	IsHealthy(ctx context.Context) bool
}
