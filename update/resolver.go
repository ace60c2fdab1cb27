package update

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"golang.org/x/sync/singleflight"

	updatemirror "github.com/wolfeidau/update-mirror"
	"github.com/wolfeidau/update-mirror/mirror"
	"github.com/wolfeidau/update-mirror/telemetry"
)

var (
	// ErrUnavailable indicates the inventory collaborator cannot be used.
	ErrUnavailable = errors.New("update: inventory unavailable")

	// ErrUnknownCategory is returned for an unrecognised category.
	ErrUnknownCategory = errors.New("update: unknown category")
)

// Requester performs mirror requests.
type Requester interface {
	Do(ctx context.Context, method, path string, body *mirror.Body) (*mirror.Response, error)
}

// Inventory enumerates installed items.
type Inventory interface {
	Plugins(ctx context.Context) ([]Item, error)
	Themes(ctx context.Context) ([]Item, error)
}

// SnapshotStore persists raw bulk responses per category.
type SnapshotStore interface {
	Save(ctx context.Context, category string, payload []byte) error
	Load(ctx context.Context, category string) ([]byte, error)
}

// Resolver fills gaps in record sets from the mirror.
type Resolver struct {
	client      Requester
	inventory   Inventory
	snapshots   SnapshotStore
	onlyMissing bool
	logger      *slog.Logger
	group       singleflight.Group
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithOnlyMissing controls whether items already present in the record
// set are left out of the bulk query. Enabled by default.
func WithOnlyMissing(only bool) ResolverOption {
	return func(r *Resolver) {
		r.onlyMissing = only
	}
}

// WithInventory sets the inventory collaborator.
func WithInventory(inv Inventory) ResolverOption {
	return func(r *Resolver) {
		r.inventory = inv
	}
}

// WithSnapshots sets where bulk responses are persisted.
func WithSnapshots(s SnapshotStore) ResolverOption {
	return func(r *Resolver) {
		r.snapshots = s
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ResolverOption {
	return func(r *Resolver) {
		r.logger = l
	}
}

// NewResolver creates a resolver that queries client.
func NewResolver(client Requester, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		client:      client,
		onlyMissing: true,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "resolver")
	return r
}

// Resolve dispatches to the resolver for category using the configured
// inventory.
func (r *Resolver) Resolve(ctx context.Context, category Category, rs *RecordSet) (*RecordSet, error) {
	return r.ResolveWith(ctx, category, rs, r.inventory)
}

// ResolveWith is Resolve with an explicit inventory, for hosts that supply
// their installed items per call.
func (r *Resolver) ResolveWith(ctx context.Context, category Category, rs *RecordSet, inv Inventory) (*RecordSet, error) {
	switch category {
	case CategoryCore:
		return r.ResolveCore(ctx, rs), nil
	case CategoryPlugins:
		return r.resolveItems(ctx, CategoryPlugins, rs, inv), nil
	case CategoryThemes:
		return r.resolveItems(ctx, CategoryThemes, rs, inv), nil
	default:
		return rs, fmt.Errorf("%w: %q", ErrUnknownCategory, category)
	}
}

// ResolvePlugins fills missing plugin entries.
func (r *Resolver) ResolvePlugins(ctx context.Context, rs *RecordSet) *RecordSet {
	return r.resolveItems(ctx, CategoryPlugins, rs, r.inventory)
}

// ResolveThemes fills missing theme entries.
func (r *Resolver) ResolveThemes(ctx context.Context, rs *RecordSet) *RecordSet {
	return r.resolveItems(ctx, CategoryThemes, rs, r.inventory)
}

// ResolveCore fetches core updates when the record set has none pending.
func (r *Resolver) ResolveCore(ctx context.Context, rs *RecordSet) *RecordSet {
	ctx = telemetry.WithCategoryContext(ctx, string(CategoryCore))
	rs = Normalize(rs)
	if len(rs.Updates) > 0 {
		return rs
	}

	resp, err := r.fetch(ctx, http.MethodGet, mirror.PathCoreUpdateCheck, nil)
	if err != nil {
		r.logger.DebugContext(ctx, "core update check failed", "error", err)
		return rs
	}

	updates, err := decodeCore(resp.Body)
	if err != nil {
		r.logger.WarnContext(ctx, "decoding core updates", "error", err)
		return rs
	}
	if len(updates) == 0 {
		return rs
	}

	rs.Updates = updates
	r.persist(ctx, CategoryCore, resp.Body)
	telemetry.RecordResolverApplied(ctx, string(CategoryCore), "mirror", len(updates))
	return rs
}

func (r *Resolver) resolveItems(ctx context.Context, category Category, rs *RecordSet, inv Inventory) *RecordSet {
	ctx = telemetry.WithCategoryContext(ctx, string(category))
	items, err := listItems(ctx, category, inv)
	if err != nil {
		r.logger.DebugContext(ctx, "inventory unavailable", "category", category, "error", err)
		return rs
	}

	rs = Normalize(rs)

	body, n, err := r.bulkBody(category, rs, items)
	if err != nil {
		r.logger.WarnContext(ctx, "building bulk request", "category", category, "error", err)
		return rs
	}
	if n == 0 {
		return rs
	}

	path := mirror.PathPluginInfoBulk
	if category == CategoryThemes {
		path = mirror.PathThemeInfoBulk
	}

	resp, err := r.fetch(ctx, http.MethodPost, path, body)
	if err != nil {
		r.logger.DebugContext(ctx, "bulk info request failed", "category", category, "error", err)
		return rs
	}

	entries, err := decodeBulk(resp.Body)
	if err != nil {
		r.logger.WarnContext(ctx, "decoding bulk info", "category", category, "error", err)
		return rs
	}

	r.persist(ctx, category, resp.Body)

	applied := apply(rs, entries)
	telemetry.RecordResolverApplied(ctx, string(category), "mirror", applied)
	r.logger.DebugContext(ctx, "bulk info applied", "category", category, "requested", n, "applied", applied)
	return rs
}

// bulkBody builds the request for the items still lacking an entry. Plugins
// are sent as a map of identifier to slug and themes as a list of slugs.
func (r *Resolver) bulkBody(category Category, rs *RecordSet, items []Item) (*mirror.Body, int, error) {
	if category == CategoryThemes {
		slugs := make([]string, 0, len(items))
		for _, it := range items {
			if r.skip(rs, it.ID) {
				continue
			}
			slugs = append(slugs, it.ID)
		}
		if len(slugs) == 0 {
			return nil, 0, nil
		}
		body, err := mirror.JSONBody(slugs)
		return body, len(slugs), err
	}

	slugs := make(map[string]string, len(items))
	for _, it := range items {
		if r.skip(rs, it.ID) {
			continue
		}
		slugs[it.ID] = Slug(it.ID)
	}
	if len(slugs) == 0 {
		return nil, 0, nil
	}
	body, err := mirror.JSONBody(slugs)
	return body, len(slugs), err
}

func (r *Resolver) skip(rs *RecordSet, id string) bool {
	if !r.onlyMissing {
		return false
	}
	_, ok := rs.Response[id]
	return ok
}

// fetch shares one mirror call between concurrent identical requests. The
// shared call runs detached from any caller's cancellation and is bounded by
// the client timeout; a caller whose ctx ends stops waiting on its own.
func (r *Resolver) fetch(ctx context.Context, method, path string, body *mirror.Body) (*mirror.Response, error) {
	key := method + " " + path
	if body != nil {
		key += " " + updatemirror.HashBytes(body.Data).String()
	}
	telemetry.SetEndpoint(ctx, mirror.EndpointName(path))

	ch := r.group.DoChan(key, func() (any, error) {
		return r.client.Do(context.WithoutCancel(ctx), method, path, body)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*mirror.Response), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Resolver) persist(ctx context.Context, category Category, payload []byte) {
	if r.snapshots == nil {
		return
	}
	if err := r.snapshots.Save(ctx, string(category), payload); err != nil {
		r.logger.WarnContext(ctx, "persisting snapshot", "category", category, "error", err)
	}
}

func listItems(ctx context.Context, category Category, inv Inventory) ([]Item, error) {
	if inv == nil {
		return nil, ErrUnavailable
	}
	if category == CategoryThemes {
		return inv.Themes(ctx)
	}
	return inv.Plugins(ctx)
}

// apply inserts valid entries whose identifier is not yet in the response
// map and returns how many were inserted.
func apply(rs *RecordSet, entries map[string]Info) int {
	applied := 0
	for id, info := range entries {
		if !info.Valid() {
			continue
		}
		if _, ok := rs.Response[id]; ok {
			continue
		}
		rs.Response[id] = info
		applied++
	}
	return applied
}

// decodeBulk decodes a bulk info payload keyed by identifier. Entries that
// are not objects, such as false for an unknown item, are skipped. A bare []
// is the empty result.
func decodeBulk(body []byte) (map[string]Info, error) {
	if bytes.Equal(bytes.TrimSpace(body), []byte("[]")) {
		return map[string]Info{}, nil
	}

	var raw map[string]json.RawMessage
	if err := mirror.DecodeJSON(&mirror.Response{Body: body}, &raw); err != nil {
		return nil, err
	}

	entries := make(map[string]Info, len(raw))
	for id, msg := range raw {
		msg = bytes.TrimSpace(msg)
		if len(msg) == 0 || msg[0] != '{' {
			continue
		}
		var info Info
		if err := mirror.DecodeJSON(&mirror.Response{Body: msg}, &info); err != nil {
			continue
		}
		entries[id] = info
	}
	return entries, nil
}

func decodeCore(body []byte) ([]Info, error) {
	var payload struct {
		Updates []Info `json:"updates"`
	}
	if err := mirror.DecodeJSON(&mirror.Response{Body: body}, &payload); err != nil {
		return nil, err
	}
	return payload.Updates, nil
}
