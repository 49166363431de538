package app

import (
	"github.com/stacklok/cloudkv/internal/defaults"
	"github.com/stacklok/cloudkv/internal/kv"
	"github.com/stacklok/cloudkv/internal/telemetry"
)

// AppComponents groups all application components
//
//nolint:revive // This name is fine
type AppComponents struct {
	// Defaults owns the store and its initial sync coordinator
	Defaults *defaults.Defaults

	// StoreType is the configured backend
	StoreType string

	// StoreMetrics records change events and key counts. May be nil.
	StoreMetrics *telemetry.StoreMetrics

	// changeSub feeds StoreMetrics from store change events
	changeSub kv.Subscription
}
