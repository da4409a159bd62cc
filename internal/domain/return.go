package domain

import "time"

// Return is a marketplace return claim as persisted locally. Deadlines are
// never stored; they are derived from these fields on every read.
type Return struct {
	ID               string     `json:"id"`
	OrderID          string     `json:"order_id"`
	Status           string     `json:"status"`
	Reason           string     `json:"reason,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	ShippingLeadDays *int       `json:"shipping_lead_days,omitempty"`
	DeliveryLeadDays *int       `json:"delivery_lead_days,omitempty"`
	ReviewDueAt      *time.Time `json:"review_due_at,omitempty"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	UpdatedAt        time.Time  `json:"updated_at"`
	EnrichedAt       *time.Time `json:"enriched_at,omitempty"`
}

// ReturnFilter narrows a return listing. Field tags double as cache key
// names, so two filters with the same values share a cache entry.
type ReturnFilter struct {
	Statuses []string   `json:"statuses,omitempty"`
	OrderID  string     `json:"order_id,omitempty"`
	From     *time.Time `json:"from,omitempty"`
	To       *time.Time `json:"to,omitempty"`
	Limit    int        `json:"limit,omitempty"`
}

// ResourceReturn is the resource_type of jobs that act on a return.
const ResourceReturn = "return"
