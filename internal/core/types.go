// Package core defines the shared types and interfaces for the cart sentinel
package core

import (
	"time"
)

// Credential is the live access/refresh token pair. It is immutable; the
// session manager replaces the whole value atomically so a reader never
// observes a half-updated pair.
type Credential struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ObtainedAt   time.Time `json:"obtained_at"`
	ExpiresIn    int64     `json:"expires_in"` // seconds, as reported by the token endpoint
}

// ExpiresAt returns the expected expiry instant of the access token.
func (c Credential) ExpiresAt() time.Time {
	return c.ObtainedAt.Add(time.Duration(c.ExpiresIn) * time.Second)
}

// SizeInfo describes one variant's size labels.
type SizeInfo struct {
	Size       string `json:"size"`
	VendorSize string `json:"vendor_size,omitempty"`
}

// ProductInfo is the display metadata of a tracked product.
type ProductInfo struct {
	Title         string `json:"title"`
	Designer      string `json:"designer"`
	Color         string `json:"color"`
	Price         string `json:"price"`
	OriginalPrice string `json:"original_price,omitempty"`
	Discount      string `json:"discount,omitempty"`
}

// TrackedItem is one monitored (productCode, colorCode) pair with its variant
// state. A variant present in AddedToCart is never re-inserted until the
// operator resets the set.
type TrackedItem struct {
	Code        string              `json:"code"`
	Color       string              `json:"color"`
	Info        ProductInfo         `json:"info"`
	Sizes       map[string]SizeInfo `json:"sizes"`
	Stock       map[string]int      `json:"stock"`
	Watched     map[string]bool     `json:"watched"`
	AddedToCart map[string]bool     `json:"added_to_cart"`
}

// Key returns the registry key for a code/color pair.
func (t *TrackedItem) Key() string {
	return t.Code + "-" + t.Color
}

// ItemKey builds the registry key without constructing an item.
func ItemKey(code, color string) string {
	return code + "-" + color
}

// Clone returns a deep copy so callers can hand out snapshots without
// exposing the registry's maps.
func (t *TrackedItem) Clone() *TrackedItem {
	cp := *t
	cp.Sizes = make(map[string]SizeInfo, len(t.Sizes))
	for k, v := range t.Sizes {
		cp.Sizes[k] = v
	}
	cp.Stock = make(map[string]int, len(t.Stock))
	for k, v := range t.Stock {
		cp.Stock[k] = v
	}
	cp.Watched = make(map[string]bool, len(t.Watched))
	for k, v := range t.Watched {
		cp.Watched[k] = v
	}
	cp.AddedToCart = make(map[string]bool, len(t.AddedToCart))
	for k, v := range t.AddedToCart {
		cp.AddedToCart[k] = v
	}
	return &cp
}

// FillerItem is a reliably in-stock article used only to reset the cart
// reservation countdown.
type FillerItem struct {
	Code      string `json:"code"`
	Color     string `json:"color"`
	VariantID string `json:"variant_id"`
	UseCount  int    `json:"use_count"`
}

// KeeperPhase is the reservation keeper's state machine phase.
type KeeperPhase string

const (
	KeeperIdle  KeeperPhase = "idle"
	KeeperArmed KeeperPhase = "armed"
)

// ReservationState is the keeper's persisted state. It transitions only
// through the keeper and the watcher's insertion-success callback.
type ReservationState struct {
	Phase                KeeperPhase `json:"phase"`
	LastMonitoredInsert  time.Time   `json:"last_monitored_insert"`
	LastFillerInsert     time.Time   `json:"last_filler_insert"`
	FillerInsertions     int64       `json:"filler_insertions"`
	RotationIndex        int         `json:"rotation_index"`
}

// CartTime is the upstream's view of the remaining reservation window.
type CartTime struct {
	RemainingMs int64 `json:"remaining_ms"`
	MaxMs       int64 `json:"max_ms"`
}

// Remaining converts the upstream milliseconds to a duration.
func (c CartTime) Remaining() time.Duration {
	return time.Duration(c.RemainingMs) * time.Millisecond
}

// ProductDetail is the hydrated result of a product-detail query.
type ProductDetail struct {
	Info  ProductInfo         `json:"info"`
	Sizes map[string]SizeInfo `json:"sizes"`
	Stock map[string]int      `json:"stock"`
}

// EventKind identifies a structured notification event.
type EventKind string

const (
	EventNewStockInserted  EventKind = "new-stock-inserted"
	EventCredentialExpired EventKind = "credential-expired"
	EventRefreshSucceeded  EventKind = "refresh-succeeded"
	EventRefreshFailed     EventKind = "refresh-failed"
	EventLoginSucceeded    EventKind = "login-succeeded"
	EventLoginFailed       EventKind = "login-failed"
	EventFillerInserted    EventKind = "filler-inserted"
)
