package health

import "context"

// ReadinessCheck is implemented by every dependency the service needs
// before it can take traffic.
type ReadinessCheck interface {
	IsReady(ctx context.Context) error
	Name() string
}
