// Package catalog resolves which bonus rules are in effect for a
// facility on a given visit date.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/opencare-jp/kasan/internal/domain"
)

// Catalog provides read access to effective bonus rules. Results are
// cached per (facility, insurance type, date); Invalidate bumps the
// key generation and stale entries age out by TTL.
type Catalog struct {
	repo  domain.Repository
	cache domain.Cache
	ttl   time.Duration
	gen   atomic.Uint64
}

// New creates a catalog. cache may be nil to disable caching.
func New(repo domain.Repository, cache domain.Cache, ttl time.Duration) *Catalog {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Catalog{
		repo:  repo,
		cache: cache,
		ttl:   ttl,
	}
}

// ApplicableRules returns the active, effective rules for the facility
// on the visit date. Scope resolution: a facility-specific rule shadows
// the global rule with the same bonusCode; when the facility override
// is inactive the code is dropped entirely, with no fallback to the
// global rule. candidateCodes, when non-empty, restricts the result.
func (c *Catalog) ApplicableRules(ctx context.Context, facilityID string, insurance domain.InsuranceType, visitDate time.Time, candidateCodes []string) ([]*domain.BonusRule, error) {
	rules, err := c.effectiveRules(ctx, facilityID, insurance, visitDate)
	if err != nil {
		return nil, err
	}

	if len(candidateCodes) == 0 {
		return rules, nil
	}

	wanted := make(map[string]bool, len(candidateCodes))
	for _, code := range candidateCodes {
		wanted[code] = true
	}

	filtered := rules[:0:0]
	for _, r := range rules {
		if wanted[r.BonusCode] {
			filtered = append(filtered, r)
		}
	}
	return filtered, nil
}

func (c *Catalog) effectiveRules(ctx context.Context, facilityID string, insurance domain.InsuranceType, visitDate time.Time) ([]*domain.BonusRule, error) {
	key := c.cacheKey(insurance, visitDate)

	if c.cache != nil {
		if cached, err := c.cache.Get(ctx, facilityID, key); err == nil && cached != nil {
			var rules []*domain.BonusRule
			if err := json.Unmarshal(cached, &rules); err == nil {
				return rules, nil
			}
			// Unreadable cache entries are treated as misses.
			_ = c.cache.Delete(ctx, facilityID, key)
		}
	}

	candidates, err := c.repo.ListRulesForDate(ctx, facilityID, visitDate)
	if err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}

	resolved, err := ResolveShadowing(candidates)
	if err != nil {
		return nil, err
	}

	rules := resolved[:0:0]
	for _, r := range resolved {
		if r.InsuranceType == insurance {
			rules = append(rules, r)
		}
	}

	if c.cache != nil {
		if payload, err := json.Marshal(rules); err == nil {
			if err := c.cache.Set(ctx, facilityID, key, payload, c.ttl); err != nil {
				slog.Warn("failed to cache rule set",
					"facility_id", facilityID,
					"key", key,
					"error", err,
				)
			}
		}
	}

	return rules, nil
}

// ResolveShadowing applies scope resolution to raw candidate rows and
// returns the active effective set, ordered by display order then code.
// A facility override that is structurally incompatible with the
// active global rule it shadows (differing insurance type) is a
// ConfigurationError: applying either row silently would bill under
// the wrong scheme.
func ResolveShadowing(candidates []*domain.BonusRule) ([]*domain.BonusRule, error) {
	// Facility-specific rows win over global rows with the same code,
	// whether or not they are active.
	effective := make(map[string]*domain.BonusRule, len(candidates))
	for _, r := range candidates {
		current, seen := effective[r.BonusCode]
		if !seen {
			effective[r.BonusCode] = r
			continue
		}

		global, override := current, r
		if current.IsGlobal() == r.IsGlobal() {
			// Two rows of the same scope and code can only differ by
			// insurance type, which the unique key otherwise forbids.
			continue
		}
		if !current.IsGlobal() {
			global, override = r, current
		}

		if global.IsActive && override.InsuranceType != global.InsuranceType {
			return nil, &domain.ConfigurationError{
				BonusCode: r.BonusCode,
				Detail: fmt.Sprintf("facility override insurance type %q conflicts with global rule's %q",
					override.InsuranceType, global.InsuranceType),
			}
		}

		effective[r.BonusCode] = override
	}

	rules := make([]*domain.BonusRule, 0, len(effective))
	for _, r := range effective {
		if !r.IsActive {
			// An inactive facility override blocks its code; there is
			// no fallback to the global rule.
			continue
		}
		rules = append(rules, r)
	}

	sort.Slice(rules, func(i, j int) bool {
		if rules[i].DisplayOrder != rules[j].DisplayOrder {
			return rules[i].DisplayOrder < rules[j].DisplayOrder
		}
		return rules[i].BonusCode < rules[j].BonusCode
	})

	return rules, nil
}

// Invalidate drops cached rule sets after a rule write or reload.
func (c *Catalog) Invalidate() {
	c.gen.Add(1)
}

func (c *Catalog) cacheKey(insurance domain.InsuranceType, visitDate time.Time) string {
	return fmt.Sprintf("rules:g%d:%s:%s", c.gen.Load(), insurance, domain.CivilDate(visitDate).Format("2006-01-02"))
}
