package identity

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"salepoint/core/internal/domain"
	"salepoint/core/internal/store"
)

// Resolver matches an identity query against the customer population.
//
// It never auto-selects: even a single exact match is returned as a candidate
// list for the operator to confirm, so a sale is never silently attached to
// the wrong identity. "No match" is an empty list, not an error; only
// collaborator unavailability propagates, and it is retryable by the caller.
type Resolver struct {
	repo store.Repository
}

func NewResolver(repo store.Repository) *Resolver {
	return &Resolver{repo: repo}
}

// Resolve runs the lookup ladder — exact license, exact name+DOB, fuzzy
// within the same DOB — short-circuiting on the first rung that produces
// candidates. Results are ordered best-first.
func (r *Resolver) Resolve(ctx context.Context, query domain.IdentityQuery) ([]domain.MatchCandidate, error) {
	if license := strings.TrimSpace(query.LicenseNumber); license != "" {
		customer, err := r.repo.FindCustomerByLicense(ctx, license)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("license lookup: %w", err)
		}
		if customer != nil {
			return []domain.MatchCandidate{toCandidate(*customer, query)}, nil
		}
	}

	first := strings.TrimSpace(query.FirstName)
	last := strings.TrimSpace(query.LastName)

	if first != "" && last != "" && query.DateOfBirth != nil {
		customers, err := r.repo.FindCustomersByNameDOB(ctx, first, last, query.DateOfBirth.UTC())
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("name+dob lookup: %w", err)
		}
		if candidates := scoreAll(customers, query); len(candidates) > 0 {
			return candidates, nil
		}
	}

	if query.DateOfBirth == nil {
		return []domain.MatchCandidate{}, nil
	}

	customers, err := r.repo.ListCustomersByDOB(ctx, query.DateOfBirth.UTC())
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("dob lookup: %w", err)
	}
	return scoreAll(customers, query), nil
}

func scoreAll(customers []domain.CustomerRecord, query domain.IdentityQuery) []domain.MatchCandidate {
	candidates := make([]domain.MatchCandidate, 0, len(customers))
	for _, customer := range customers {
		result := Score(customer, query)
		if result.Score < MinScore {
			continue
		}
		candidates = append(candidates, domain.MatchCandidate{
			Customer:      customer,
			Tier:          result.Tier,
			Score:         result.Score,
			MatchedFields: result.MatchedFields,
			Reason:        result.Reason,
		})
	}

	// Ties break toward the most recently created customer.
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].Customer.CreatedAt.After(candidates[j].Customer.CreatedAt)
	})
	return candidates
}

func toCandidate(customer domain.CustomerRecord, query domain.IdentityQuery) domain.MatchCandidate {
	result := Score(customer, query)
	return domain.MatchCandidate{
		Customer:      customer,
		Tier:          result.Tier,
		Score:         result.Score,
		MatchedFields: result.MatchedFields,
		Reason:        result.Reason,
	}
}
