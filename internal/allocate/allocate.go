// Package allocate turns a workflow document and a population size into
// per-user path assignments.
package allocate

import (
	"fmt"

	"backfill/internal/workflow"
)

// Assignment places one simulated user on a path.
type Assignment struct {
	PathID    string
	AccountID string
	SegmentID string
	// Attributes holds the account attributes overridden by the segment's user attributes.
	Attributes workflow.Attributes
}

// group is a run of identical assignments.
type group struct {
	proto Assignment
	count int
}

// Allocate returns exactly total assignments. Flat documents split users by
// path percentage; account-structured documents split by account quota, then
// segment, then renormalized path preference. The result is interleaved
// round-robin across groups so any prefix approximates the target mix.
func Allocate(doc *workflow.Document, total int) ([]Assignment, error) {
	if total < 0 {
		return nil, fmt.Errorf("total users must be non-negative, got %d", total)
	}
	if total == 0 {
		return []Assignment{}, nil
	}

	var groups []group
	if len(doc.Accounts) == 0 {
		groups = pathGroups(doc, Assignment{}, total)
	} else {
		quotas := AccountQuotas(doc.Accounts, total)
		for i, acct := range doc.Accounts {
			base := Assignment{AccountID: acct.ID, Attributes: acct.Attributes}
			if !doc.Segmented() {
				groups = append(groups, pathGroups(doc, base, quotas[i])...)
				continue
			}
			groups = append(groups, segmentGroups(doc, base, quotas[i])...)
		}
	}

	out := interleave(groups, total)
	if len(out) != total {
		return nil, fmt.Errorf("allocated %d users, expected %d", len(out), total)
	}
	return out, nil
}

// AccountQuotas decides how many users each account receives. Declared
// user counts are used as-is when they already sum to total, scaled by
// largest remainder otherwise, and spread round-robin when every count is zero.
func AccountQuotas(accounts []workflow.Account, total int) []int {
	sum := 0
	weights := make([]float64, len(accounts))
	for i, a := range accounts {
		sum += a.UserCount
		weights[i] = float64(a.UserCount)
	}
	switch {
	case sum == total:
		quotas := make([]int, len(accounts))
		for i, a := range accounts {
			quotas[i] = a.UserCount
		}
		return quotas
	case sum == 0:
		return evenSplit(len(accounts), total)
	default:
		return LargestRemainder(weights, total)
	}
}

// SegmentQuotas splits an account quota by segment percentage.
func SegmentQuotas(segments []workflow.Segment, quota int) []int {
	weights := make([]float64, len(segments))
	for i, s := range segments {
		weights[i] = s.Percentage
	}
	return LargestRemainder(weights, quota)
}

// PreferenceQuotas splits a segment quota across paths in declaration
// order by the segment's path preferences, renormalized to 100.
func PreferenceQuotas(doc *workflow.Document, seg workflow.Segment, quota int) []int {
	weights := make([]float64, len(doc.Paths))
	for i, p := range doc.Paths {
		weights[i] = seg.PathPreferences[p.ID]
	}
	return LargestRemainder(weights, quota)
}

// PathQuotas splits users by top-level path percentage.
func PathQuotas(doc *workflow.Document, quota int) []int {
	weights := make([]float64, len(doc.Paths))
	for i, p := range doc.Paths {
		if p.Percentage != nil {
			weights[i] = *p.Percentage
		}
	}
	return LargestRemainder(weights, quota)
}

func pathGroups(doc *workflow.Document, base Assignment, quota int) []group {
	counts := PathQuotas(doc, quota)
	groups := make([]group, 0, len(counts))
	for i, n := range counts {
		a := base
		a.PathID = doc.Paths[i].ID
		groups = append(groups, group{proto: a, count: n})
	}
	return groups
}

func segmentGroups(doc *workflow.Document, base Assignment, quota int) []group {
	var groups []group
	for i, n := range SegmentQuotas(doc.Segments, quota) {
		seg := doc.Segments[i]
		segBase := base
		segBase.SegmentID = seg.ID
		segBase.Attributes = base.Attributes.Merge(seg.UserAttributes)
		for j, c := range PreferenceQuotas(doc, seg, n) {
			a := segBase
			a.PathID = doc.Paths[j].ID
			groups = append(groups, group{proto: a, count: c})
		}
	}
	return groups
}

// interleave emits one assignment from each non-exhausted group per pass.
func interleave(groups []group, total int) []Assignment {
	out := make([]Assignment, 0, total)
	remaining := make([]int, len(groups))
	left := 0
	for i, g := range groups {
		remaining[i] = g.count
		left += g.count
	}
	for left > 0 {
		for i := range groups {
			if remaining[i] == 0 {
				continue
			}
			out = append(out, groups[i].proto)
			remaining[i]--
			left--
		}
	}
	return out
}
