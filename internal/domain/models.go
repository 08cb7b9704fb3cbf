// Package domain defines the core data types and errors shared across the
// tunnel client, split proxy, panel client and subscription lifecycle.
package domain

import (
	"strings"
	"time"
)

// DefaultDurationDays is used when an activation does not name a duration.
const DefaultDurationDays = 3

// MillisPerDay converts subscription durations to panel expiry units.
const MillisPerDay int64 = 86_400_000

// Flag keys persisted next to subscription states.
const (
	FlagUserID       = "userId"
	FlagHasUsedTrial = "hasUsedTrial"
)

// SubscriptionState is the local mirror of one provisioned panel client,
// keyed by SubscriptionID.
type SubscriptionState struct {
	UserID         string
	SubscriptionID string
	Email          string
	CredentialID   string
	ExpiresAt      time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Expired reports whether the subscription has lapsed at now.
func (s SubscriptionState) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}

// ClientEmail returns the panel email that identifies a user's credential.
func ClientEmail(userID string) string {
	return "user_" + strings.TrimSpace(userID)
}

// Plan is a purchasable subscription length.
type Plan struct {
	ID   string
	Name string
	Days int
}

// Plans lists the catalog in display order.
var Plans = []Plan{
	{ID: "trial", Name: "Trial", Days: 1},
	{ID: "1_month", Name: "1 month", Days: 30},
	{ID: "3_months", Name: "3 months", Days: 90},
	{ID: "6_months", Name: "6 months", Days: 180},
	{ID: "12_months", Name: "12 months", Days: 365},
}

// PlanByID looks up a catalog entry.
func PlanByID(id string) (Plan, bool) {
	id = strings.TrimSpace(strings.ToLower(id))
	for _, p := range Plans {
		if p.ID == id {
			return p, true
		}
	}
	return Plan{}, false
}
