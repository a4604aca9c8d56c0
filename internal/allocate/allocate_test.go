package allocate

import (
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"

	"backfill/internal/workflow"
)

func pct(v float64) *float64 { return &v }

func flatDoc(weights ...float64) *workflow.Document {
	doc := &workflow.Document{Name: "flat"}
	for i, w := range weights {
		doc.Paths = append(doc.Paths, workflow.Path{
			ID:         string(rune('A' + i)),
			Percentage: pct(w),
			Steps:      []workflow.Step{{Action: workflow.ActionWait}},
		})
	}
	return doc
}

func pathCounts(as []Assignment) map[string]int {
	counts := map[string]int{}
	for _, a := range as {
		counts[a.PathID]++
	}
	return counts
}

func TestLargestRemainder(t *testing.T) {
	tests := []struct {
		weights []float64
		total   int
		want    []int
	}{
		{[]float64{60, 40}, 5, []int{3, 2}},
		{[]float64{60, 40}, 3, []int{2, 1}},
		{[]float64{50, 50}, 3, []int{2, 1}},
		{[]float64{1, 1, 1}, 10, []int{4, 3, 3}},
		{[]float64{33.3, 33.3, 33.4}, 100, []int{33, 33, 34}},
		{[]float64{0, 100}, 7, []int{0, 7}},
		{[]float64{60, 40}, 0, []int{0, 0}},
		{[]float64{0, 0}, 4, []int{0, 0}},
		{[]float64{3, 1}, 4, []int{3, 1}},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%v/%d", tt.weights, tt.total), func(t *testing.T) {
			got := LargestRemainder(tt.weights, tt.total)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("LargestRemainder mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestAllocate_FlatExamples(t *testing.T) {
	doc := flatDoc(60, 40)

	got, err := Allocate(doc, 5)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	var order []string
	for _, a := range got {
		order = append(order, a.PathID)
	}
	if diff := cmp.Diff([]string{"A", "B", "A", "B", "A"}, order); diff != "" {
		t.Errorf("round-robin order mismatch (-want +got):\n%s", diff)
	}

	got, err = Allocate(doc, 3)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if diff := cmp.Diff(map[string]int{"A": 2, "B": 1}, pathCounts(got)); diff != "" {
		t.Errorf("counts mismatch (-want +got):\n%s", diff)
	}
}

func TestAllocate_Zero(t *testing.T) {
	got, err := Allocate(flatDoc(100), 0)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no assignments, got %d", len(got))
	}
	if _, err := Allocate(flatDoc(100), -1); err == nil {
		t.Error("expected error for negative total")
	}
}

func TestAllocate_FlatWithinOneOfIdeal(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for iter := 0; iter < 200; iter++ {
		n := 1 + rng.Intn(6)
		raw := make([]float64, n)
		var sum float64
		for i := range raw {
			raw[i] = rng.Float64()
			sum += raw[i]
		}
		weights := make([]float64, n)
		for i := range raw {
			weights[i] = raw[i] / sum * 100
		}
		doc := flatDoc(weights...)
		total := rng.Intn(500)

		got, err := Allocate(doc, total)
		if err != nil {
			t.Fatalf("Allocate: %v", err)
		}
		if len(got) != total {
			t.Fatalf("got %d assignments, expected %d", len(got), total)
		}
		counts := pathCounts(got)
		for i, p := range doc.Paths {
			ideal := weights[i] / 100 * float64(total)
			if math.Abs(float64(counts[p.ID])-ideal) >= 1 {
				t.Errorf("path %s: %d users, ideal %.3f", p.ID, counts[p.ID], ideal)
			}
		}
	}
}

func TestAllocate_PrefixApproximatesMix(t *testing.T) {
	got, err := Allocate(flatDoc(50, 30, 20), 100)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	prefix := pathCounts(got[:9])
	if diff := cmp.Diff(map[string]int{"A": 3, "B": 3, "C": 3}, prefix); diff != "" {
		t.Errorf("first round-robin passes mismatch (-want +got):\n%s", diff)
	}
}

func segmentedDoc() *workflow.Document {
	return &workflow.Document{
		Name: "b2b",
		Paths: []workflow.Path{
			{ID: "report", Steps: []workflow.Step{{Action: workflow.ActionWait}}},
			{ID: "invite", Steps: []workflow.Step{{Action: workflow.ActionWait}}},
			{ID: "export", Steps: []workflow.Step{{Action: workflow.ActionWait}}},
		},
		Accounts: []workflow.Account{
			{ID: "acme", UserCount: 30, Attributes: workflow.Attributes{"plan": workflow.String("enterprise"), "tier": workflow.String("gold")}},
			{ID: "globex", UserCount: 10},
		},
		Segments: []workflow.Segment{
			{ID: "admins", Percentage: 25, UserAttributes: workflow.Attributes{"tier": workflow.String("admin")}, PathPreferences: map[string]float64{"invite": 3, "report": 1}},
			{ID: "viewers", Percentage: 75, PathPreferences: map[string]float64{"report": 10, "export": 5}},
		},
	}
}

func TestAllocate_SegmentedConservation(t *testing.T) {
	doc := segmentedDoc()
	for _, total := range []int{1, 7, 40, 41, 999} {
		got, err := Allocate(doc, total)
		if err != nil {
			t.Fatalf("Allocate: %v", err)
		}
		if len(got) != total {
			t.Fatalf("total %d: got %d assignments", total, len(got))
		}

		quotas := AccountQuotas(doc.Accounts, total)
		perAccount := map[string]int{}
		perSegment := map[string]int{}
		perPath := map[string]int{}
		for _, a := range got {
			perAccount[a.AccountID]++
			perSegment[a.AccountID+"/"+a.SegmentID]++
			perPath[a.AccountID+"/"+a.SegmentID+"/"+a.PathID]++
		}
		for i, acct := range doc.Accounts {
			if perAccount[acct.ID] != quotas[i] {
				t.Errorf("total %d: account %s has %d users, quota %d", total, acct.ID, perAccount[acct.ID], quotas[i])
			}
			segQuotas := SegmentQuotas(doc.Segments, quotas[i])
			for j, seg := range doc.Segments {
				key := acct.ID + "/" + seg.ID
				if perSegment[key] != segQuotas[j] {
					t.Errorf("total %d: %s has %d users, quota %d", total, key, perSegment[key], segQuotas[j])
				}
				for k, n := range PreferenceQuotas(doc, seg, segQuotas[j]) {
					pkey := key + "/" + doc.Paths[k].ID
					if perPath[pkey] != n {
						t.Errorf("total %d: %s has %d users, quota %d", total, pkey, perPath[pkey], n)
					}
				}
			}
		}
	}
}

func TestAllocate_SegmentedExactCounts(t *testing.T) {
	got, err := Allocate(segmentedDoc(), 40)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	counts := map[string]int{}
	for _, a := range got {
		counts[a.AccountID+"/"+a.SegmentID+"/"+a.PathID]++
	}
	// acme 30: admins 8 (report 2, invite 6), viewers 22 (report 15, export 7)
	// globex 10: admins 3 (report 1, invite 2), viewers 7 (report 5, export 2)
	want := map[string]int{
		"acme/admins/report":    2,
		"acme/admins/invite":    6,
		"acme/viewers/report":   15,
		"acme/viewers/export":   7,
		"globex/admins/report":  1,
		"globex/admins/invite":  2,
		"globex/viewers/report": 5,
		"globex/viewers/export": 2,
	}
	if diff := cmp.Diff(want, counts); diff != "" {
		t.Errorf("counts mismatch (-want +got):\n%s", diff)
	}
}

func TestAllocate_MergesAttributes(t *testing.T) {
	got, err := Allocate(segmentedDoc(), 40)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	for _, a := range got {
		if a.AccountID != "acme" || a.SegmentID != "admins" {
			continue
		}
		if a.Attributes["plan"].String() != "enterprise" {
			t.Errorf("account attribute lost: %v", a.Attributes)
		}
		if a.Attributes["tier"].String() != "admin" {
			t.Errorf("segment attribute should override account: %v", a.Attributes)
		}
		return
	}
	t.Fatal("no acme/admins assignment found")
}

func TestAccountQuotas(t *testing.T) {
	accounts := func(counts ...int) []workflow.Account {
		var out []workflow.Account
		for i, c := range counts {
			out = append(out, workflow.Account{ID: fmt.Sprint(i), UserCount: c})
		}
		return out
	}
	tests := []struct {
		name   string
		counts []int
		total  int
		want   []int
	}{
		{"exact", []int{3, 7}, 10, []int{3, 7}},
		{"scaled up", []int{1, 3}, 8, []int{2, 6}},
		{"scaled down", []int{10, 10, 10}, 10, []int{4, 3, 3}},
		{"all zero", []int{0, 0, 0}, 5, []int{2, 2, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := AccountQuotas(accounts(tt.counts...), tt.total)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("AccountQuotas mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestAllocate_AccountsWithoutSegments(t *testing.T) {
	doc := flatDoc(50, 50)
	doc.Accounts = []workflow.Account{{ID: "a", UserCount: 3}, {ID: "b", UserCount: 1}}

	got, err := Allocate(doc, 4)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	counts := map[string]int{}
	for _, a := range got {
		counts[a.AccountID+"/"+a.PathID]++
	}
	want := map[string]int{"a/A": 2, "a/B": 1, "b/A": 1}
	if diff := cmp.Diff(want, counts); diff != "" {
		t.Errorf("counts mismatch (-want +got):\n%s", diff)
	}
}

func TestAllocate_Deterministic(t *testing.T) {
	doc := segmentedDoc()
	first, _ := Allocate(doc, 123)
	second, _ := Allocate(doc, 123)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("Allocate is not reproducible:\n%s", diff)
	}
}
