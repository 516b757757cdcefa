package qc

import (
	"fmt"

	"restoration/internal/domain"
)

// Range is an inclusive-min, exclusive-max numeric bound on a score.
type Range struct {
	Min float64
	Max float64
}

func (r *Range) contains(v float64) bool {
	if r == nil {
		return true
	}
	return v >= r.Min && v < r.Max
}

func (r *Range) overlaps(other *Range) bool {
	if r == nil || other == nil {
		return true
	}
	return r.Min < other.Max && other.Min < r.Max
}

const anyCount = -1

// Rule is one entry in the prioritized decision list. Rules are evaluated
// in order; the first rule whose conditions all hold wins.
type Rule struct {
	Name       string
	Action     domain.DecisionAction
	Confidence domain.ConfidenceTier
	Reason     string

	Overall      *Range
	Preservation *Range

	// MaxCriticals caps the number of critical failures tolerated;
	// anyCount disables the check.
	MaxCriticals int
	// MinRetries/MaxRetries bound the retry count; MaxRetries of anyCount
	// disables the upper check.
	MinRetries int
	MaxRetries int
}

func (r Rule) matches(scores domain.ValidationScores, criticals, retryCount int) bool {
	if !r.Overall.contains(scores.Overall) {
		return false
	}
	if !r.Preservation.contains(scores.Preservation) {
		return false
	}
	if r.MaxCriticals != anyCount && criticals > r.MaxCriticals {
		return false
	}
	if retryCount < r.MinRetries {
		return false
	}
	if r.MaxRetries != anyCount && retryCount > r.MaxRetries {
		return false
	}
	return true
}

// DefaultRules returns the standard rule set. The overall-score ranges are
// authored disjoint so first-match-wins never hides an ambiguity. With a
// non-positive retry budget the auto-retry rule is omitted entirely, so
// recoverable scores escalate to review instead of looping.
func DefaultRules(maxRetries int) []Rule {
	rules := []Rule{
		{
			Name:         "auto-approve",
			Action:       domain.ActionApprove,
			Confidence:   domain.ConfidenceHigh,
			Reason:       "quality meets approval thresholds",
			Overall:      &Range{Min: 85, Max: 101},
			Preservation: &Range{Min: 85, Max: 101},
			MaxCriticals: 0,
			MaxRetries:   anyCount,
		},
		{
			Name:         "conditional-approve",
			Action:       domain.ActionApproveWithNotes,
			Confidence:   domain.ConfidenceMedium,
			Reason:       "acceptable quality with minor reservations",
			Overall:      &Range{Min: 75, Max: 85},
			Preservation: &Range{Min: 80, Max: 101},
			MaxCriticals: 0,
			MaxRetries:   anyCount,
		},
	}
	if maxRetries > 0 {
		rules = append(rules, Rule{
			Name:         "auto-retry",
			Action:       domain.ActionRetry,
			Confidence:   domain.ConfidenceMedium,
			Reason:       "quality below threshold but recoverable",
			Overall:      &Range{Min: 40, Max: 75},
			MaxCriticals: 1,
			MaxRetries:   maxRetries - 1,
		})
	}
	return append(rules,
		Rule{
			Name:         "manual-review",
			Action:       domain.ActionManualReview,
			Confidence:   domain.ConfidenceLow,
			Reason:       "quality too low for automatic handling",
			Overall:      &Range{Min: 25, Max: 40},
			MaxCriticals: anyCount,
			MaxRetries:   anyCount,
		},
		Rule{
			Name:         "auto-reject",
			Action:       domain.ActionReject,
			Confidence:   domain.ConfidenceHigh,
			Reason:       "output unusable after retries",
			Overall:      &Range{Min: 0, Max: 25},
			MaxCriticals: anyCount,
			MinRetries:   1,
			MaxRetries:   anyCount,
		},
	)
}

// ValidateRules rejects rule sets whose overall-score ranges overlap, so
// ambiguous rule sets fail at construction time rather than silently
// resolving by list order.
func ValidateRules(rules []Rule) error {
	if len(rules) == 0 {
		return fmt.Errorf("rule set is empty")
	}
	for i := range rules {
		if rules[i].Name == "" {
			return fmt.Errorf("rule %d has no name", i)
		}
		for j := i + 1; j < len(rules); j++ {
			if rules[i].Overall == nil || rules[j].Overall == nil {
				continue
			}
			if rules[i].Overall.overlaps(rules[j].Overall) {
				return fmt.Errorf("rules %q and %q have overlapping overall ranges", rules[i].Name, rules[j].Name)
			}
		}
	}
	return nil
}
