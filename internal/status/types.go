package status

import "time"

// SyncPhase is the outcome of the most recent SyncWithCloud call
type SyncPhase string

const (
	// SyncPhaseWaiting means a call is waiting for the initial cloud sync signal
	SyncPhaseWaiting SyncPhase = "Waiting"

	// SyncPhaseFlushRejected means the store refused the flush request
	SyncPhaseFlushRejected SyncPhase = "FlushRejected"

	// SyncPhaseAlreadyComplete means initial sync was already known complete
	SyncPhaseAlreadyComplete SyncPhase = "AlreadyComplete"

	// SyncPhaseComplete means the call observed initial sync completing
	SyncPhaseComplete SyncPhase = "Complete"

	// SyncPhaseTimedOut means the wait ended without the initial sync signal
	SyncPhaseTimedOut SyncPhase = "TimedOut"

	// SyncPhaseCancelled means the caller cancelled the wait
	SyncPhaseCancelled SyncPhase = "Cancelled"
)

// SyncStatus describes the initial-sync state of a store
type SyncStatus struct {
	// Phase is the outcome of the last SyncWithCloud call
	Phase SyncPhase `json:"phase,omitempty" yaml:"phase,omitempty"`

	// Message provides additional information about the last call
	Message string `json:"message,omitempty" yaml:"message,omitempty"`

	// InitialSyncCompleted reports whether initial cloud sync is known complete
	InitialSyncCompleted bool `json:"initialSyncCompleted" yaml:"initialSyncCompleted"`

	// Subscribed reports whether the coordinator is listening for change events
	Subscribed bool `json:"subscribed" yaml:"subscribed"`

	// LastAttempt is the start time of the last SyncWithCloud call
	LastAttempt *time.Time `json:"lastAttempt,omitempty" yaml:"lastAttempt,omitempty"`

	// AttemptCount is the number of calls that waited without seeing completion
	AttemptCount int `json:"attemptCount,omitempty" yaml:"attemptCount,omitempty"`

	// CompletedAt is when this process first observed initial sync completing
	CompletedAt *time.Time `json:"completedAt,omitempty" yaml:"completedAt,omitempty"`

	// LastDuration is how long the last call took
	LastDuration time.Duration `json:"lastDurationNanos,omitempty" yaml:"lastDuration,omitempty"`
}
