package storage

import (
	"time"

	"spike-alerts/internal/market"
)

// AlertRecord is the audit row of a fired alert.
type AlertRecord struct {
	ID            int64
	Event         market.AlertEvent
	Delivered     bool
	DeliveryError *string
	CreatedAt     time.Time
}

// SnapshotFilter narrows archived snapshot queries. Empty fields match everything.
type SnapshotFilter struct {
	Exchange string
	Symbol   string
	From     time.Time
	To       time.Time
	Limit    int
}
