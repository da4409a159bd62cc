package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/spf13/cast"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/mktops/internal/cache"
	"github.com/SirClappington/mktops/internal/deadline"
	"github.com/SirClappington/mktops/internal/domain"
	"github.com/SirClappington/mktops/internal/events"
)

// returnView is a return together with deadlines computed at response time.
// Only the source record is cached; hours remaining are always fresh.
type returnView struct {
	domain.Return
	Deadlines deadline.Set `json:"deadlines"`
}

func (s Server) view(r domain.Return) returnView {
	in := deadline.Input{
		CreatedAt:      r.CreatedAt,
		ShippingDays:   r.ShippingLeadDays,
		DeliveryDays:   r.DeliveryLeadDays,
		ExpirationDate: r.ExpiresAt,
	}
	if r.ReviewDueAt != nil {
		in.Actions = []deadline.Action{{Name: "review", DueDate: r.ReviewDueAt}}
	}
	return returnView{Return: r, Deadlines: deadline.Calculate(in, s.Now())}
}

func validateReturn(r domain.Return) error {
	switch {
	case r.ID == "":
		return errors.Wrap(errBadRequest, "id is required")
	case r.OrderID == "":
		return errors.Wrap(errBadRequest, "order_id is required")
	case r.Status == "":
		return errors.Wrap(errBadRequest, "status is required")
	case r.ShippingLeadDays != nil && !deadline.ValidLeadDays(*r.ShippingLeadDays):
		return errors.Wrapf(errBadRequest, "shipping_lead_days must be between 0 and %d", deadline.MaxLeadDays)
	case r.DeliveryLeadDays != nil && !deadline.ValidLeadDays(*r.DeliveryLeadDays):
		return errors.Wrapf(errBadRequest, "delivery_lead_days must be between 0 and %d", deadline.MaxLeadDays)
	}
	return nil
}

func (s Server) handleCreateReturn(w http.ResponseWriter, r *http.Request) {
	var ret domain.Return
	if err := decode(r, &ret); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := validateReturn(ret); err != nil {
		s.fail(w, r, err)
		return
	}
	ret.UpdatedAt = s.Now().UTC()
	ret.EnrichedAt = nil

	ctx := r.Context()
	if err := s.Returns.UpsertReturn(ctx, ret); err != nil {
		s.fail(w, r, err)
		return
	}
	s.publish(ctx, events.TopicResourceCreated, events.Event{Resource: cache.NamespaceReturns, ResourceID: ret.ID})

	if s.Jobs != nil {
		if _, err := s.Jobs.Enqueue(ctx, domain.EnrichResource, domain.ResourceReturn, ret.ID); err != nil {
			s.Log.Warn("enqueue enrichment", zap.String("return_id", ret.ID), zap.Error(err))
		}
	}
	writeJSON(w, http.StatusCreated, s.view(ret))
}

func (s Server) handleUpdateReturn(w http.ResponseWriter, r *http.Request) {
	var ret domain.Return
	if err := decode(r, &ret); err != nil {
		s.fail(w, r, err)
		return
	}
	ret.ID = chi.URLParam(r, "id")
	if err := validateReturn(ret); err != nil {
		s.fail(w, r, err)
		return
	}

	ctx := r.Context()
	if _, err := s.Returns.GetReturn(ctx, ret.ID); err != nil {
		s.fail(w, r, err)
		return
	}
	ret.UpdatedAt = s.Now().UTC()
	if err := s.Returns.UpsertReturn(ctx, ret); err != nil {
		s.fail(w, r, err)
		return
	}
	s.publish(ctx, events.TopicResourceUpdated, events.Event{Resource: cache.NamespaceReturns, ResourceID: ret.ID})
	writeJSON(w, http.StatusOK, s.view(ret))
}

func (s Server) handleGetReturn(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ret, err := cache.Fetch(r.Context(), s.Cache, cache.ItemKey(cache.NamespaceReturns, id), 0,
		func(ctx context.Context) (*domain.Return, error) {
			return s.Returns.GetReturn(ctx, id)
		})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(*ret))
}

func (s Server) handleListReturns(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	list, err := cache.Fetch(r.Context(), s.Cache, cache.Key(cache.NamespaceReturns, f), 0,
		func(ctx context.Context) ([]domain.Return, error) {
			return s.Returns.ListReturns(ctx, f)
		})
	if err != nil {
		s.fail(w, r, err)
		return
	}

	out := make([]returnView, 0, len(list))
	for _, ret := range list {
		out = append(out, s.view(ret))
	}
	writeJSON(w, http.StatusOK, map[string]any{"returns": out})
}

// parseFilter reads ?status=a,b&order_id=&from=&to=&limit=. Dates are either
// YYYY-MM-DD or RFC 3339 and always cover whole days.
func parseFilter(r *http.Request) (domain.ReturnFilter, error) {
	q := r.URL.Query()
	var f domain.ReturnFilter

	for _, v := range q["status"] {
		for _, st := range strings.Split(v, ",") {
			if st = strings.TrimSpace(st); st != "" {
				f.Statuses = append(f.Statuses, st)
			}
		}
	}
	f.OrderID = q.Get("order_id")

	var err error
	if f.From, err = parseDate(q.Get("from"), false); err != nil {
		return f, err
	}
	if f.To, err = parseDate(q.Get("to"), true); err != nil {
		return f, err
	}
	if v := q.Get("limit"); v != "" {
		if f.Limit, err = cast.ToIntE(v); err != nil || f.Limit < 0 {
			return f, errors.Wrapf(errBadRequest, "invalid limit %q", v)
		}
	}
	return f, nil
}

// parseDate parses a query date as a whole UTC day: the start of it, or the
// end of it for an upper bound. Timestamps are accepted but only their day
// counts, since list cache keys are day-granular.
func parseDate(v string, endOfDay bool) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		ts, tsErr := time.Parse(time.RFC3339, v)
		if tsErr != nil {
			return nil, errors.Wrapf(errBadRequest, "invalid date %q", v)
		}
		ts = ts.UTC()
		t = time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC)
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Millisecond)
	}
	return &t, nil
}

type statsView struct {
	Returns map[string]int64    `json:"returns"`
	Jobs    domain.StatusCounts `json:"jobs"`
}

func (s Server) handleStats(w http.ResponseWriter, r *http.Request) {
	key := cache.Key(cache.NamespaceStats, map[string]string{"view": "summary"})
	stats, err := cache.Fetch(r.Context(), s.Cache, key, 0, func(ctx context.Context) (statsView, error) {
		var v statsView
		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() (err error) {
			v.Returns, err = s.Returns.ReturnStatusCounts(ctx)
			return err
		})
		g.Go(func() (err error) {
			v.Jobs, err = s.Jobs.Status(ctx)
			return err
		})
		return v, g.Wait()
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s Server) handleCacheStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Cache.Stats())
}

// handleCacheReset asks every listener to drop its cache. The reset happens
// asynchronously.
func (s Server) handleCacheReset(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		n := s.Cache.Invalidate("")
		writeJSON(w, http.StatusOK, map[string]any{"removed": n})
		return
	}
	if err := s.Events.Publish(r.Context(), events.TopicCacheReset, events.Event{}); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "reset requested"})
}
