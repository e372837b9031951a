package gateway

import (
	"errors"
	"math"
	"testing"

	"examprep/pkg/domain"
)

func TestNormalizeWeights(t *testing.T) {
	tests := []struct {
		name    string
		in      []int
		want    []int
		changed bool
	}{
		{name: "already six", in: []int{3, 2, 1}, want: []int{3, 2, 1}},
		{name: "scaled down", in: []int{5, 3, 2}, want: []int{3, 2, 1}, changed: true},
		{name: "scaled up", in: []int{1, 1}, want: []int{3, 3}, changed: true},
		{name: "ties go to earlier topic", in: []int{1, 1, 1, 1}, want: []int{2, 2, 1, 1}, changed: true},
		{name: "negative clamped", in: []int{6, -2}, want: []int{6, 0}, changed: true},
		{name: "oversized clamped", in: []int{math.MaxInt, math.MaxInt, 1}, want: []int{3, 3, 0}, changed: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			topics := make([]domain.Topic, len(tc.in))
			for i, w := range tc.in {
				topics[i] = domain.Topic{Name: string(rune('A' + i)), Weight: w}
			}
			out, changed, err := NormalizeWeights(topics)
			if err != nil {
				t.Fatalf("normalize: %v", err)
			}
			if changed != tc.changed {
				t.Fatalf("changed = %v, want %v", changed, tc.changed)
			}
			total := 0
			for i, topic := range out {
				if topic.Weight != tc.want[i] {
					t.Fatalf("weights = %+v, want %v", out, tc.want)
				}
				total += topic.Weight
			}
			if total != domain.TotalQuestionWeight {
				t.Fatalf("total = %d", total)
			}
		})
	}
}

func TestNormalizeWeightsRejectsEmptyBreakdown(t *testing.T) {
	for _, topics := range [][]domain.Topic{nil, {{Name: "A", Weight: 0}}, {{Name: " ", Weight: 6}}} {
		if _, _, err := NormalizeWeights(topics); !errors.Is(err, ErrNoTopics) {
			t.Fatalf("expected ErrNoTopics for %+v, got %v", topics, err)
		}
	}
}

func TestNormalizeDays(t *testing.T) {
	unique := NormalizeDays([]domain.StudyDay{{Day: 2}, {Day: 5}})
	if unique[0].Day != 2 || unique[1].Day != 5 {
		t.Fatalf("unique numbering should be preserved: %+v", unique)
	}
	dup := NormalizeDays([]domain.StudyDay{{Day: 1}, {Day: 1}, {Day: 0}})
	for i, d := range dup {
		if d.Day != i+1 {
			t.Fatalf("expected renumbering, got %+v", dup)
		}
	}
	if len(NormalizeDays(nil)) != 0 {
		t.Fatalf("expected empty result for nil input")
	}
}
