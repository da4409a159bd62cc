package jobs

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cast"
	"go.uber.org/zap"

	"github.com/SirClappington/mktops/internal/cache"
	"github.com/SirClappington/mktops/internal/deadline"
	"github.com/SirClappington/mktops/internal/domain"
	"github.com/SirClappington/mktops/internal/events"
	"github.com/SirClappington/mktops/internal/marketplace"
)

// ClaimSource is the marketplace API the enrichment job reads from.
type ClaimSource interface {
	GetClaim(ctx context.Context, claimID string) (*marketplace.Claim, error)
	GetLeadTime(ctx context.Context, claimID string) (marketplace.LeadTime, error)
}

type ReturnStore interface {
	GetReturn(ctx context.Context, id string) (*domain.Return, error)
	UpsertReturn(ctx context.Context, r domain.Return) error
	ReturnStatusCounts(ctx context.Context) (map[string]int64, error)
}

type Publisher interface {
	Publish(ctx context.Context, topic string, evt events.Event) error
}

// Deps are the collaborators of the built-in handlers.
type Deps struct {
	Marketplace ClaimSource
	Returns     ReturnStore
	Events      Publisher
}

// RegisterBuiltins installs the enrich-resource, refresh-metrics and cleanup
// handlers.
func (p *Processor) RegisterBuiltins(d Deps) {
	p.Register(domain.EnrichResource, p.enrichResource(d))
	p.Register(domain.RefreshMetrics, p.refreshMetrics(d))
	p.Register(domain.Cleanup, func(ctx context.Context, _ *domain.Job) error {
		_, err := p.client.CleanupOld(ctx)
		return err
	})
}

// enrichResource pulls a return claim and its lead times from the
// marketplace and stores them on the local return record.
func (p *Processor) enrichResource(d Deps) Handler {
	return func(ctx context.Context, job *domain.Job) error {
		if job.ResourceType != domain.ResourceReturn {
			return errors.Errorf("cannot enrich resource type %q", job.ResourceType)
		}

		claimID := job.ResourceID
		meta, err := domain.DecodeMetadata[map[string]any](job)
		if err != nil {
			return err
		}
		if v, ok := meta["claim_id"]; ok {
			if claimID, err = cast.ToStringE(v); err != nil {
				return errors.Wrap(err, "claim_id metadata")
			}
		}

		claim, err := d.Marketplace.GetClaim(ctx, claimID)
		if err != nil {
			return err
		}
		lt, err := d.Marketplace.GetLeadTime(ctx, claimID)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return err
		}

		prev, err := d.Returns.GetReturn(ctx, job.ResourceID)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return err
		}

		now := time.Now().UTC()
		r := domain.Return{
			ID:               job.ResourceID,
			OrderID:          claim.OrderID,
			Status:           claim.Status,
			Reason:           claim.Reason,
			CreatedAt:        claim.CreatedAt,
			ShippingLeadDays: lt.ShippingDays,
			DeliveryLeadDays: lt.DeliveryDays,
			ReviewDueAt:      deadline.ReviewDueDate(claim.Actions),
			ExpiresAt:        claim.ExpiresAt,
			UpdatedAt:        now,
			EnrichedAt:       &now,
		}
		if prev != nil {
			mergeMissing(&r, prev)
		}
		if err := d.Returns.UpsertReturn(ctx, r); err != nil {
			return err
		}

		if d.Events != nil {
			evt := events.Event{Resource: cache.NamespaceReturns, ResourceID: r.ID}
			if err := d.Events.Publish(ctx, events.TopicResourceUpdated, evt); err != nil {
				p.log.Warn("publishing return update", zap.String("return_id", r.ID), zap.Error(err))
			}
		}
		return nil
	}
}

// mergeMissing keeps locally known values the marketplace did not report.
func mergeMissing(r, prev *domain.Return) {
	if r.OrderID == "" {
		r.OrderID = prev.OrderID
	}
	if r.Status == "" {
		r.Status = prev.Status
	}
	if r.Reason == "" {
		r.Reason = prev.Reason
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = prev.CreatedAt
	}
	if r.ShippingLeadDays == nil {
		r.ShippingLeadDays = prev.ShippingLeadDays
	}
	if r.DeliveryLeadDays == nil {
		r.DeliveryLeadDays = prev.DeliveryLeadDays
	}
	if r.ReviewDueAt == nil {
		r.ReviewDueAt = prev.ReviewDueAt
	}
	if r.ExpiresAt == nil {
		r.ExpiresAt = prev.ExpiresAt
	}
}

func (p *Processor) refreshMetrics(d Deps) Handler {
	return func(ctx context.Context, _ *domain.Job) error {
		returns, err := d.Returns.ReturnStatusCounts(ctx)
		if err != nil {
			return err
		}
		jobs, err := p.client.Status(ctx)
		if err != nil {
			return err
		}
		p.log.Info("metrics refreshed",
			zap.Any("returns", returns),
			zap.Any("jobs", jobs),
			zap.Int64("jobs_total", jobs.Total()))

		if d.Events != nil {
			return d.Events.Publish(ctx, events.TopicStatsRefreshed, events.Event{Resource: cache.NamespaceStats})
		}
		return nil
	}
}
