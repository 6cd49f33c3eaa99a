package indexer

import (
	"context"
	"net/url"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/socialtag/cashback/pkg/rewards"
)

// OptInResolver answers which assets an address can receive. Lookups are cached briefly so
// one sweep does not query the same reward address twice.
type OptInResolver struct {
	http  *HTTPClient
	cache *expirable.LRU[string, rewards.AssetSet]

	MaxPages int
}

var _ rewards.OptInResolver = (*OptInResolver)(nil)

// NewOptInResolver caches up to size addresses for ttl. A zero ttl disables caching.
func NewOptInResolver(http *HTTPClient, size int, ttl time.Duration) *OptInResolver {
	r := &OptInResolver{http: http, MaxPages: 20}
	if ttl > 0 {
		if size <= 0 {
			size = 1024
		}
		r.cache = expirable.NewLRU[string, rewards.AssetSet](size, nil, ttl)
	}
	return r
}

// GetOptedInAssets lists the address's holdings. Deleted and frozen holdings cannot receive
// transfers and are left out.
func (r *OptInResolver) GetOptedInAssets(ctx context.Context, address string) (rewards.AssetSet, error) {
	if r.cache != nil {
		if set, ok := r.cache.Get(address); ok {
			return set, nil
		}
	}

	set := rewards.AssetSet{}
	q := url.Values{}
	q.Set("limit", "1000")
	for page := 0; ; page++ {
		if page >= r.MaxPages {
			return rewards.AssetSet{}, &rewards.TransientFetchError{Op: "resolve opt-ins", Address: address, Err: errTooManyPages}
		}
		var resp assetsPage
		if err := r.http.getJSON(ctx, "assets", accountAssets(address), q, &resp); err != nil {
			return rewards.AssetSet{}, &rewards.TransientFetchError{Op: "resolve opt-ins", Address: address, Err: err}
		}
		for _, a := range resp.Assets {
			if a.Deleted || a.IsFrozen {
				continue
			}
			set[a.AssetID] = struct{}{}
		}
		if resp.NextToken == "" {
			break
		}
		q.Set("next", resp.NextToken)
	}

	if r.cache != nil {
		r.cache.Add(address, set)
	}
	return set, nil
}

// Forget drops a cached lookup, e.g. after a user changes reward address.
func (r *OptInResolver) Forget(address string) {
	if r.cache != nil {
		r.cache.Remove(address)
	}
}
