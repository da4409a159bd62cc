package jobs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/SirClappington/mktops/internal/cache"
	"github.com/SirClappington/mktops/internal/deadline"
	"github.com/SirClappington/mktops/internal/domain"
	"github.com/SirClappington/mktops/internal/events"
	"github.com/SirClappington/mktops/internal/marketplace"
)

type fakeMarketplace struct {
	claims    map[string]*marketplace.Claim
	leadTimes map[string]marketplace.LeadTime
}

func (f *fakeMarketplace) GetClaim(_ context.Context, id string) (*marketplace.Claim, error) {
	cl, ok := f.claims[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cl, nil
}

func (f *fakeMarketplace) GetLeadTime(_ context.Context, id string) (marketplace.LeadTime, error) {
	lt, ok := f.leadTimes[id]
	if !ok {
		return marketplace.LeadTime{}, domain.ErrNotFound
	}
	return lt, nil
}

type published struct {
	topic string
	evt   events.Event
}

type recordingPublisher struct {
	mu  sync.Mutex
	out []published
}

func (p *recordingPublisher) Publish(_ context.Context, topic string, evt events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.out = append(p.out, published{topic, evt})
	return nil
}

func intp(v int) *int { return &v }

func TestBuiltins_EnrichResource(t *testing.T) {
	p, c, store := newProcessor(t)
	ctx := context.Background()

	created := time.Date(2024, 1, 5, 14, 0, 0, 0, time.UTC)
	review := time.Date(2024, 2, 9, 10, 0, 0, 0, time.UTC)
	mp := &fakeMarketplace{
		claims: map[string]*marketplace.Claim{
			"5000": {
				ID: "5000", OrderID: "o-1", Status: "opened", Reason: "PDD9939", CreatedAt: created,
				Actions: []deadline.Action{{Name: "review_product", DueDate: &review}},
			},
		},
		leadTimes: map[string]marketplace.LeadTime{"5000": {ShippingDays: intp(4)}},
	}
	pub := &recordingPublisher{}
	p.RegisterBuiltins(Deps{Marketplace: mp, Returns: store, Events: pub})

	// a locally known delivery lead time survives enrichment
	require.NoError(t, store.UpsertReturn(ctx, domain.Return{
		ID: "r-1", OrderID: "o-1", Status: "pending", CreatedAt: created, DeliveryLeadDays: intp(2),
	}))

	id, err := c.Enqueue(ctx, domain.EnrichResource, domain.ResourceReturn, "r-1",
		WithMetadata(map[string]any{"claim_id": 5000}))
	require.NoError(t, err)

	n, err := p.Drain(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, domain.Completed, jobStatus(t, store, id))

	r, err := store.GetReturn(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, "opened", r.Status)
	assert.Equal(t, "PDD9939", r.Reason)
	assert.Equal(t, 4, *r.ShippingLeadDays)
	assert.Equal(t, 2, *r.DeliveryLeadDays)
	assert.True(t, review.Equal(*r.ReviewDueAt))
	assert.NotNil(t, r.EnrichedAt)

	require.Len(t, pub.out, 1)
	assert.Equal(t, events.TopicResourceUpdated, pub.out[0].topic)
	assert.Equal(t, cache.NamespaceReturns, pub.out[0].evt.Resource)
	assert.Equal(t, "r-1", pub.out[0].evt.ResourceID)
}

func TestBuiltins_EnrichUnknownClaimFails(t *testing.T) {
	p, c, store := newProcessor(t)
	ctx := context.Background()
	p.RegisterBuiltins(Deps{Marketplace: &fakeMarketplace{}, Returns: store})

	id, err := c.Enqueue(ctx, domain.EnrichResource, domain.ResourceReturn, "missing", WithMaxRetries(0))
	require.NoError(t, err)
	other, err := c.Enqueue(ctx, domain.EnrichResource, "order", "o-1", WithMaxRetries(0))
	require.NoError(t, err)

	_, err = p.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.Failed, jobStatus(t, store, id))
	assert.Equal(t, domain.Failed, jobStatus(t, store, other))
}

func TestBuiltins_RefreshMetricsAndCleanup(t *testing.T) {
	store := openStore(t)
	c := NewClient(store, nil, time.Nanosecond, zaptest.NewLogger(t))
	p := NewProcessor(c, nil, zaptest.NewLogger(t))
	pub := &recordingPublisher{}
	p.RegisterBuiltins(Deps{Marketplace: &fakeMarketplace{}, Returns: store, Events: pub})
	ctx := context.Background()

	require.NoError(t, store.UpsertReturn(ctx, domain.Return{ID: "r-1", OrderID: "o-1", Status: "opened", CreatedAt: time.Now()}))

	metrics, err := c.Enqueue(ctx, domain.RefreshMetrics, "system", "metrics", WithPriority(9))
	require.NoError(t, err)
	_, err = p.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.Completed, jobStatus(t, store, metrics))
	require.Len(t, pub.out, 1)
	assert.Equal(t, events.TopicStatsRefreshed, pub.out[0].topic)

	time.Sleep(5 * time.Millisecond)
	_, err = c.Enqueue(ctx, domain.Cleanup, "system", "jobs")
	require.NoError(t, err)
	_, err = p.Drain(ctx)
	require.NoError(t, err)

	_, err = store.GetJob(ctx, metrics)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
