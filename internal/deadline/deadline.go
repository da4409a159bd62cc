// Package deadline derives the chain of return-workflow deadlines from a
// return's creation time and the lead times the marketplace reports.
package deadline

import (
	"math"
	"time"
)

const (
	DefaultShippingDays = 10
	DefaultDeliveryDays = 3
	ReviewDays          = 5
	DecisionDays        = 3

	CriticalWindow = 48 // hours

	// MaxLeadDays bounds any lead time fed into the calculation.
	MaxLeadDays = 365
)

// Action is a claim action with an optional due date.
type Action struct {
	Name    string
	DueDate *time.Time
}

type Input struct {
	CreatedAt      time.Time
	ShippingDays   *int
	DeliveryDays   *int
	Actions        []Action
	ExpirationDate *time.Time
}

// Set holds the derived deadlines. Every field is independently optional.
// Hours and critical flags are relative to the instant Calculate ran.
type Set struct {
	ShipmentDeadline      *time.Time `json:"shipment_deadline"`
	SellerReceiveDeadline *time.Time `json:"seller_receive_deadline"`
	SellerReviewDeadline  *time.Time `json:"seller_review_deadline"`
	DecisionDeadline      *time.Time `json:"meli_decision_deadline"`
	ExpirationDate        *time.Time `json:"expiration_date"`

	HoursToShipment *int `json:"hours_to_shipment"`
	HoursToReview   *int `json:"hours_to_review"`
	HoursToDecision *int `json:"hours_to_decision"`

	IsShipmentCritical bool `json:"is_shipment_critical"`
	IsReviewCritical   bool `json:"is_review_critical"`
	IsDecisionCritical bool `json:"is_decision_critical"`
}

// Calculate never fails: missing lead times fall back to the defaults and a
// zero creation time yields a set holding only the expiration date.
func Calculate(in Input, now time.Time) Set {
	var s Set
	if in.ExpirationDate != nil {
		exp := *in.ExpirationDate
		s.ExpirationDate = &exp
	}
	if in.CreatedAt.IsZero() {
		return s
	}

	shipment := AddBusinessDays(in.CreatedAt, daysOr(in.ShippingDays, DefaultShippingDays))
	receive := AddBusinessDays(shipment, daysOr(in.DeliveryDays, DefaultDeliveryDays))

	review := AddBusinessDays(receive, ReviewDays)
	if due := ReviewDueDate(in.Actions); due != nil {
		review = *due
	}
	decision := AddBusinessDays(review, DecisionDays)

	s.ShipmentDeadline = &shipment
	s.SellerReceiveDeadline = &receive
	s.SellerReviewDeadline = &review
	s.DecisionDeadline = &decision

	s.HoursToShipment, s.IsShipmentCritical = remaining(shipment, now)
	s.HoursToReview, s.IsReviewCritical = remaining(review, now)
	s.HoursToDecision, s.IsDecisionCritical = remaining(decision, now)
	return s
}

// AddBusinessDays moves t forward n days, counting only Monday to Friday.
// The time of day is kept.
func AddBusinessDays(t time.Time, n int) time.Time {
	for added := 0; added < n; {
		t = t.AddDate(0, 0, 1)
		if !IsWeekend(t) {
			added++
		}
	}
	return t
}

func IsWeekend(t time.Time) bool {
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

// IsCritical reports whether a deadline hours away is close but not passed.
func IsCritical(hours int) bool {
	return hours > 0 && hours <= CriticalWindow
}

func remaining(deadline, now time.Time) (*int, bool) {
	h := int(math.Floor(deadline.Sub(now).Hours()))
	return &h, IsCritical(h)
}

// ReviewDueDate returns the due date of the first review action, if any.
func ReviewDueDate(actions []Action) *time.Time {
	for _, a := range actions {
		if (a.Name == "review" || a.Name == "review_product") && a.DueDate != nil {
			due := *a.DueDate
			return &due
		}
	}
	return nil
}

func daysOr(v *int, def int) int {
	switch {
	case v == nil || *v < 0:
		return def
	case *v > MaxLeadDays:
		return MaxLeadDays
	}
	return *v
}

// ValidLeadDays reports whether n is a usable lead time in business days.
func ValidLeadDays(n int) bool {
	return n >= 0 && n <= MaxLeadDays
}
