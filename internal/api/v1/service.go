package v1

import (
	"context"

	"github.com/stacklok/cloudkv/internal/status"
)

//go:generate mockgen -destination=mocks/mock_service.go -package=mocks -source=service.go Service

// Service is what the API needs from a store and its sync coordinator.
// defaults.Defaults implements it.
type Service interface {
	Keys(ctx context.Context) ([]string, error)
	Value(ctx context.Context, key string) (any, bool, error)
	SetValue(ctx context.Context, key string, value any) error
	Remove(ctx context.Context, key string) error
	Sync(ctx context.Context) error
	SyncStatus() status.SyncStatus
}
