// Package marketplace is a thin client for the marketplace post-purchase
// API: return claims and the lead times the deadline chain is built from.
package marketplace

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cast"
	"golang.org/x/oauth2"

	"github.com/SirClappington/mktops/internal/deadline"
	"github.com/SirClappington/mktops/internal/domain"
)

const defaultTimeout = 10 * time.Second

// Claim is a return claim as the marketplace reports it.
type Claim struct {
	ID        string
	OrderID   string
	Status    string
	Reason    string
	CreatedAt time.Time
	ExpiresAt *time.Time
	Actions   []deadline.Action
}

// LeadTime holds the marketplace lead times in business days. Nil means the
// marketplace did not report one.
type LeadTime struct {
	ShippingDays *int
	DeliveryDays *int
}

type Client struct {
	base string
	http *http.Client
}

type Option func(*Client)

// WithHTTPClient sets the transport used underneath the token source.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New returns a client for baseURL. A non-empty token is sent as a bearer
// token on every request.
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{base: strings.TrimRight(baseURL, "/"), http: &http.Client{Timeout: defaultTimeout}}
	for _, o := range opts {
		o(c)
	}
	if token != "" {
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, c.http)
		hc := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}))
		hc.Timeout = c.http.Timeout
		c.http = hc
	}
	return c
}

type claimDTO struct {
	ID          any        `json:"id"`
	ResourceID  any        `json:"resource_id"`
	Status      string     `json:"status"`
	ReasonID    string     `json:"reason_id"`
	DateCreated time.Time  `json:"date_created"`
	DueDate     *time.Time `json:"due_date"`
	Players     []struct {
		Role             string `json:"role"`
		AvailableActions []struct {
			Action  string     `json:"action"`
			DueDate *time.Time `json:"due_date"`
		} `json:"available_actions"`
	} `json:"players"`
}

func (c *Client) GetClaim(ctx context.Context, claimID string) (*Claim, error) {
	var dto claimDTO
	if err := c.get(ctx, "/claims/"+url.PathEscape(claimID), &dto); err != nil {
		return nil, errors.Wrapf(err, "claim %s", claimID)
	}

	id, err := cast.ToStringE(dto.ID)
	if err != nil {
		return nil, errors.Wrapf(err, "claim %s: id", claimID)
	}
	orderID, err := cast.ToStringE(dto.ResourceID)
	if err != nil {
		return nil, errors.Wrapf(err, "claim %s: resource_id", claimID)
	}

	cl := &Claim{
		ID:        id,
		OrderID:   orderID,
		Status:    dto.Status,
		Reason:    dto.ReasonID,
		CreatedAt: dto.DateCreated,
		ExpiresAt: dto.DueDate,
	}
	for _, p := range dto.Players {
		for _, a := range p.AvailableActions {
			cl.Actions = append(cl.Actions, deadline.Action{Name: a.Action, DueDate: a.DueDate})
		}
	}
	return cl, nil
}

// GetLeadTime fetches the shipping and delivery lead times of a claim. The
// API is loose about number encoding, so values may arrive as numbers or
// numeric strings.
func (c *Client) GetLeadTime(ctx context.Context, claimID string) (LeadTime, error) {
	var raw map[string]any
	if err := c.get(ctx, "/claims/"+url.PathEscape(claimID)+"/lead-time", &raw); err != nil {
		return LeadTime{}, errors.Wrapf(err, "lead time of claim %s", claimID)
	}

	var lt LeadTime
	var err error
	if lt.ShippingDays, err = optionalInt(raw, "shipping_days"); err != nil {
		return LeadTime{}, errors.Wrapf(err, "lead time of claim %s", claimID)
	}
	if lt.DeliveryDays, err = optionalInt(raw, "delivery_days"); err != nil {
		return LeadTime{}, errors.Wrapf(err, "lead time of claim %s", claimID)
	}
	return lt, nil
}

func optionalInt(m map[string]any, key string) (*int, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return nil, nil
	}
	n, err := cast.ToIntE(v)
	if err != nil {
		return nil, errors.Wrap(err, key)
	}
	if !deadline.ValidLeadDays(n) {
		return nil, errors.Errorf("%s: %d days is out of range", key, n)
	}
	return &n, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "request")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return domain.ErrNotFound
	case resp.StatusCode >= 300:
		return errors.Errorf("unexpected status %d", resp.StatusCode)
	}
	return errors.Wrap(json.NewDecoder(resp.Body).Decode(out), "decode")
}
