package models

import (
	"fmt"
	"time"
)

// OrderEvent is one entry in an order's timeline
type OrderEvent struct {
	ID         ID        `json:"id,omitempty"`
	OrderID    ID        `json:"order_id"`
	Name       string    `json:"event"`
	Status     string    `json:"status,omitempty"`
	DriverID   ID        `json:"driver_id,omitempty"`
	OfferID    ID        `json:"offer_id,omitempty"`
	Note       string    `json:"note,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
	// Estimated marks OccurredAt as the arrival time because the payload had none.
	Estimated bool `json:"estimated,omitempty"`
}

func (e *OrderEvent) ServerKey() string {
	switch {
	case !e.ID.IsZero():
		return "event:" + e.ID.String()
	case !e.OfferID.IsZero():
		return "offer:" + e.OfferID.String()
	default:
		return ""
	}
}

// FallbackKey leaves arrival times out, so a redelivered event keys the same.
func (e *OrderEvent) FallbackKey(bucket time.Duration) string {
	if e.Estimated {
		return fmt.Sprintf("%s|%s|%s|%s|-", e.OrderID, e.Name, e.Status, e.DriverID)
	}
	ts := e.OccurredAt
	if bucket > 0 {
		ts = ts.Truncate(bucket)
	}
	return fmt.Sprintf("%s|%s|%s|%s|%d", e.OrderID, e.Name, e.Status, e.DriverID, ts.Unix())
}

// Timeline entries are never local placeholders.
func (e *OrderEvent) IsPlaceholder() bool { return false }

func (e *OrderEvent) Reconciles(*OrderEvent, time.Duration) MatchKind { return NoMatch }

func (e *OrderEvent) Duplicates(*OrderEvent, time.Duration) MatchKind { return NoMatch }

func (e *OrderEvent) NewerThan(other *OrderEvent) bool {
	if e.Estimated || other.Estimated {
		return false
	}
	return e.OccurredAt.After(other.OccurredAt)
}

func (e *OrderEvent) MergeFrom(other *OrderEvent) {
	if other.Status != "" {
		e.Status = other.Status
	}
	if !other.DriverID.IsZero() {
		e.DriverID = other.DriverID
	}
	if other.Note != "" {
		e.Note = other.Note
	}
	e.OccurredAt = other.OccurredAt
}

// Offer is a driver's price offer for an order
type Offer struct {
	ID        ID        `json:"id"`
	OrderID   ID        `json:"order_id"`
	DriverID  ID        `json:"driver_id"`
	Price     float64   `json:"price"`
	CreatedAt time.Time `json:"created_at"`
}

// DriverLocation is one position sample for the assigned driver
type DriverLocation struct {
	DriverID   ID        `json:"driver_id"`
	Latitude   float64   `json:"lat"`
	Longitude  float64   `json:"lng"`
	RecordedAt time.Time `json:"recorded_at"`
}

// OrderSnapshot is the current view of an order assembled from realtime events
type OrderSnapshot struct {
	OrderID        ID              `json:"order_id"`
	Status         string          `json:"status"`
	StatusAt       time.Time       `json:"status_at"`
	DriverID       ID              `json:"driver_id,omitempty"`
	Offers         []Offer         `json:"offers"`
	Timeline       []OrderEvent    `json:"timeline"`
	DriverLocation *DriverLocation `json:"driver_location,omitempty"`
}
