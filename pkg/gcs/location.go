package gcs

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/jacktea/gcsfs/pkg/xerrors"
	"github.com/jacktea/gcsfs/pkg/zone"
)

// locationPolicy gates buckets by region. With an empty allow-list the gate
// is a no-op; otherwise the first touch of each bucket fetches its location
// and the verdict is memoized until FlushCaches.
type locationPolicy struct {
	allowed []string // lowercased; may contain the literal "auto"
	zones   zone.Provider

	mu       sync.Mutex
	resolved []string // allow-list with "auto" substituted
	buckets  map[string]bucketVerdict
}

type bucketVerdict struct {
	ok       bool
	location string
}

func newLocationPolicy(allowed []string, zones zone.Provider) *locationPolicy {
	normalized := make([]string, 0, len(allowed))
	for _, loc := range allowed {
		normalized = append(normalized, strings.ToLower(strings.TrimSpace(loc)))
	}
	return &locationPolicy{
		allowed: normalized,
		zones:   zones,
		buckets: make(map[string]bucketVerdict),
	}
}

func (p *locationPolicy) enabled() bool { return len(p.allowed) > 0 }

// check verifies the bucket's location against the allow-list, fetching
// bucket metadata at most once per bucket between flushes.
func (p *locationPolicy) check(ctx context.Context, c *client, bucket string) error {
	if !p.enabled() {
		return nil
	}
	allowed, err := p.allowedLocations(ctx)
	if err != nil {
		return err
	}
	p.mu.Lock()
	verdict, seen := p.buckets[bucket]
	p.mu.Unlock()
	if !seen {
		meta, err := c.getBucketMetadata(ctx, bucket)
		if err != nil {
			return err
		}
		location := strings.ToLower(meta.Location)
		verdict = bucketVerdict{location: location}
		for _, want := range allowed {
			if want == location {
				verdict.ok = true
				break
			}
		}
		p.mu.Lock()
		p.buckets[bucket] = verdict
		p.mu.Unlock()
	}
	if !verdict.ok {
		return xerrors.Errorf(xerrors.KindFailedPrecondition,
			"Bucket '%s' is in '%s' location, allowed locations are: (%s).",
			bucket, verdict.location, strings.Join(allowed, ", "))
	}
	return nil
}

// allowedLocations resolves the literal "auto" to the region of the zone
// provider's zone, once.
func (p *locationPolicy) allowedLocations(ctx context.Context) ([]string, error) {
	p.mu.Lock()
	if p.resolved != nil {
		resolved := p.resolved
		p.mu.Unlock()
		return resolved, nil
	}
	p.mu.Unlock()

	resolved := make([]string, 0, len(p.allowed))
	for _, loc := range p.allowed {
		if loc != "auto" {
			resolved = append(resolved, loc)
			continue
		}
		z, err := p.zones.Zone(ctx)
		if err != nil {
			return nil, err
		}
		resolved = append(resolved, strings.ToLower(zone.Region(z)))
	}
	sort.Strings(resolved)

	p.mu.Lock()
	p.resolved = resolved
	p.mu.Unlock()
	return resolved, nil
}

// flush drops the per-bucket memoization and the resolved allow-list.
func (p *locationPolicy) flush() {
	p.mu.Lock()
	p.buckets = make(map[string]bucketVerdict)
	p.resolved = nil
	p.mu.Unlock()
}
