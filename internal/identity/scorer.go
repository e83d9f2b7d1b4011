// Package identity matches scanned or typed identities against the existing
// customer population and performs controlled merges of duplicate records.
package identity

import (
	"fmt"
	"strings"
	"time"

	"salepoint/core/internal/domain"
)

// MinScore is the floor below which a fuzzy candidate is not returned at all.
const MinScore = 50

// fuzzyScoreCap keeps weighted partial-credit scores below the score reserved
// for an exact name+DOB hit, so tiers stay ordered.
const fuzzyScoreCap = 89

// fieldRule is one row of the scoring table: how much credit a field earns
// for an exact, prefix, or substring match. Matching policy lives here as
// data so it can be tuned and tested without touching control flow.
type fieldRule struct {
	field    domain.MatchField
	exact    int
	prefix   int
	contains int
}

var scoringTable = []fieldRule{
	{field: domain.FieldLastName, exact: 50, prefix: 30, contains: 20},
	{field: domain.FieldFirstName, exact: 30, prefix: 20, contains: 10},
	{field: domain.FieldPhone, exact: 10},
	{field: domain.FieldEmail, exact: 10},
}

// ScoreResult is the scorer's verdict for a single candidate.
type ScoreResult struct {
	Score         int
	Tier          domain.ConfidenceTier
	MatchedFields []domain.MatchField
	Reason        string
}

// Score rates a candidate customer against an identity query. Deterministic,
// no I/O. A license-number hit short-circuits everything else; an exact
// name+DOB hit scores 90; otherwise candidates sharing the query's date of
// birth earn weighted partial credit from the scoring table.
func Score(candidate domain.CustomerRecord, query domain.IdentityQuery) ScoreResult {
	if query.LicenseNumber != "" && candidate.LicenseNumber != "" &&
		strings.EqualFold(strings.TrimSpace(query.LicenseNumber), strings.TrimSpace(candidate.LicenseNumber)) {
		return ScoreResult{
			Score:         100,
			Tier:          domain.TierExact,
			MatchedFields: []domain.MatchField{domain.FieldLicense},
			Reason:        "license number match",
		}
	}

	sameDOB := sameDate(candidate.DateOfBirth, query.DateOfBirth)
	first := normalizeName(query.FirstName)
	last := normalizeName(query.LastName)

	if sameDOB && first != "" && last != "" &&
		first == normalizeName(candidate.FirstName) && last == normalizeName(candidate.LastName) {
		return ScoreResult{
			Score:         90,
			Tier:          domain.TierHigh,
			MatchedFields: []domain.MatchField{domain.FieldFirstName, domain.FieldLastName, domain.FieldDOB},
			Reason:        "exact name and date of birth",
		}
	}

	// Partial credit only applies within the same date of birth.
	if !sameDOB {
		return ScoreResult{}
	}

	score := 0
	matched := []domain.MatchField{domain.FieldDOB}
	for _, rule := range scoringTable {
		credit := rule.credit(candidate, query)
		if credit > 0 {
			score += credit
			matched = append(matched, rule.field)
		}
	}
	if score > fuzzyScoreCap {
		score = fuzzyScoreCap
	}
	if score < MinScore {
		return ScoreResult{}
	}

	return ScoreResult{
		Score:         score,
		Tier:          domain.TierLow,
		MatchedFields: matched,
		Reason:        fmt.Sprintf("partial match on %d fields with same date of birth", len(matched)-1),
	}
}

func (r fieldRule) credit(candidate domain.CustomerRecord, query domain.IdentityQuery) int {
	var have, want string
	switch r.field {
	case domain.FieldLastName:
		have, want = normalizeName(candidate.LastName), normalizeName(query.LastName)
	case domain.FieldFirstName:
		have, want = normalizeName(candidate.FirstName), normalizeName(query.FirstName)
	case domain.FieldPhone:
		have, want = digitsOnly(candidate.Phone), digitsOnly(query.Phone)
	case domain.FieldEmail:
		have = strings.ToLower(strings.TrimSpace(candidate.Email))
		want = strings.ToLower(strings.TrimSpace(query.Email))
	}
	if have == "" || want == "" {
		return 0
	}

	switch {
	case have == want:
		return r.exact
	case strings.HasPrefix(have, want) || strings.HasPrefix(want, have):
		return r.prefix
	case strings.Contains(have, want) || strings.Contains(want, have):
		return r.contains
	default:
		return 0
	}
}

func normalizeName(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func sameDate(a, b *time.Time) bool {
	if a == nil || b == nil {
		return false
	}
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}
