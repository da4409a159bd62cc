package deadline

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 10, 0, 0, 0, time.UTC)
}

func intp(v int) *int { return &v }

func TestAddBusinessDays(t *testing.T) {
	cases := []struct {
		name  string
		start time.Time
		n     int
		want  time.Time
	}{
		{"friday plus ten", date(2024, 1, 5), 10, date(2024, 1, 19)},
		{"friday plus one", date(2024, 1, 5), 1, date(2024, 1, 8)},
		{"saturday plus one", date(2024, 1, 6), 1, date(2024, 1, 8)},
		{"monday plus four", date(2024, 1, 8), 4, date(2024, 1, 12)},
		{"zero days", date(2024, 1, 6), 0, date(2024, 1, 6)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, AddBusinessDays(tc.start, tc.n))
		})
	}
}

func TestCalculate_Defaults(t *testing.T) {
	created := date(2024, 1, 5)
	s := Calculate(Input{CreatedAt: created}, created)

	require.NotNil(t, s.ShipmentDeadline)
	assert.Equal(t, date(2024, 1, 19), *s.ShipmentDeadline)
	assert.Equal(t, date(2024, 1, 24), *s.SellerReceiveDeadline)
	assert.Equal(t, date(2024, 1, 31), *s.SellerReviewDeadline)
	assert.Equal(t, date(2024, 2, 5), *s.DecisionDeadline)
	assert.Nil(t, s.ExpirationDate)
	assert.Equal(t, 14*24, *s.HoursToShipment)
	assert.False(t, s.IsShipmentCritical)
}

func TestCalculate_MarketplaceLeadTimes(t *testing.T) {
	created := date(2024, 1, 8)
	exp := date(2024, 3, 1)
	s := Calculate(Input{
		CreatedAt:      created,
		ShippingDays:   intp(2),
		DeliveryDays:   intp(1),
		ExpirationDate: &exp,
	}, created)

	assert.Equal(t, date(2024, 1, 10), *s.ShipmentDeadline)
	assert.Equal(t, date(2024, 1, 11), *s.SellerReceiveDeadline)
	assert.Equal(t, exp, *s.ExpirationDate)
}

func TestCalculate_ReviewActionOverrides(t *testing.T) {
	created := date(2024, 1, 5)
	due := date(2024, 2, 9)
	s := Calculate(Input{
		CreatedAt: created,
		Actions: []Action{
			{Name: "send_message", DueDate: &created},
			{Name: "review_product", DueDate: &due},
		},
	}, created)

	assert.Equal(t, due, *s.SellerReviewDeadline)
	assert.Equal(t, date(2024, 2, 14), *s.DecisionDeadline)
}

func TestCalculate_LeadDaysAreCapped(t *testing.T) {
	created := date(2024, 1, 5)
	huge := Calculate(Input{CreatedAt: created, ShippingDays: intp(math.MaxInt32)}, created)
	capped := Calculate(Input{CreatedAt: created, ShippingDays: intp(MaxLeadDays)}, created)

	require.NotNil(t, huge.ShipmentDeadline)
	assert.Equal(t, *capped.ShipmentDeadline, *huge.ShipmentDeadline)
	assert.True(t, ValidLeadDays(MaxLeadDays))
	assert.False(t, ValidLeadDays(MaxLeadDays+1))
	assert.False(t, ValidLeadDays(-1))
}

func TestCalculate_ZeroCreation(t *testing.T) {
	exp := date(2024, 3, 1)
	s := Calculate(Input{ExpirationDate: &exp}, time.Now())
	assert.Nil(t, s.ShipmentDeadline)
	assert.Nil(t, s.HoursToShipment)
	assert.Equal(t, exp, *s.ExpirationDate)
}

func TestCalculate_CriticalBoundary(t *testing.T) {
	created := date(2024, 1, 5)
	shipment := date(2024, 1, 19)

	cases := []struct {
		hoursLeft time.Duration
		critical  bool
	}{
		{48, true},
		{49, false},
		{1, true},
		{0, false},
		{-5, false},
	}
	for _, tc := range cases {
		now := shipment.Add(-tc.hoursLeft * time.Hour)
		s := Calculate(Input{CreatedAt: created}, now)
		assert.Equal(t, int(tc.hoursLeft), *s.HoursToShipment)
		assert.Equal(t, tc.critical, s.IsShipmentCritical, "hours=%d", tc.hoursLeft)
	}
}

func TestIsCritical(t *testing.T) {
	assert.True(t, IsCritical(48))
	assert.False(t, IsCritical(49))
	assert.False(t, IsCritical(0))
	assert.False(t, IsCritical(-1))
}
