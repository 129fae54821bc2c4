package types

import (
	"fmt"
	"strings"
	"time"
)

// ProviderStatus is the operational status of a provider. It only changes
// through an explicit status update.
type ProviderStatus string

const (
	StatusActive      ProviderStatus = "active"
	StatusDegraded    ProviderStatus = "degraded"
	StatusFailing     ProviderStatus = "failing"
	StatusOffline     ProviderStatus = "offline"
	StatusMaintenance ProviderStatus = "maintenance"
)

// AllStatuses lists every status in declaration order
var AllStatuses = []ProviderStatus{
	StatusActive,
	StatusDegraded,
	StatusFailing,
	StatusOffline,
	StatusMaintenance,
}

// Valid reports whether s is a known status
func (s ProviderStatus) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// ParseStatus parses a status name case-insensitively
func ParseStatus(raw string) (ProviderStatus, error) {
	s := ProviderStatus(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
	return s, nil
}

// StatusChange records one explicit status transition
type StatusChange struct {
	ProviderID ProviderID     `json:"provider_id"`
	OldStatus  ProviderStatus `json:"old_status"`
	NewStatus  ProviderStatus `json:"new_status"`
	Reason     string         `json:"reason,omitempty"`
	ChangedAt  time.Time      `json:"changed_at"`
}

// ProviderInfo describes a registered provider
type ProviderInfo struct {
	ID           ProviderID     `json:"provider_id"`
	Status       ProviderStatus `json:"status"`
	RegisteredAt time.Time      `json:"registered_at"`
	WindowSize   int            `json:"window_size"`
}
