package gateway

import (
	"errors"
	"sort"
	"strings"

	"examprep/pkg/domain"
)

// ErrNoTopics is wrapped when an analysis has no usable topic weights.
var ErrNoTopics = errors.New("analysis returned no weighted topics")

// maxTopicWeight caps a single reported weight so rescaling cannot overflow.
const maxTopicWeight = 1 << 20

// NormalizeWeights makes topic weights sum to domain.TotalQuestionWeight.
// Breakdowns that already do are returned unchanged. Otherwise negative
// weights are clamped to zero, oversized ones to maxTopicWeight, and the
// rest rescaled with the largest
// remainder method, ties going to the earlier topic. It fails when no topic
// carries a positive weight.
func NormalizeWeights(topics []domain.Topic) ([]domain.Topic, bool, error) {
	out := make([]domain.Topic, 0, len(topics))
	for _, t := range topics {
		t.Name = strings.TrimSpace(t.Name)
		if t.Name == "" {
			continue
		}
		if t.Weight > maxTopicWeight {
			t.Weight = maxTopicWeight
		}
		out = append(out, t)
	}
	total := 0
	negative := false
	for _, t := range out {
		if t.Weight > 0 {
			total += t.Weight
		} else if t.Weight < 0 {
			negative = true
		}
	}
	if total <= 0 {
		return nil, false, ErrNoTopics
	}
	if total == domain.TotalQuestionWeight && !negative && len(out) == len(topics) {
		return out, false, nil
	}

	type share struct {
		idx       int
		remainder int
	}
	shares := make([]share, 0, len(out))
	assigned := 0
	for i := range out {
		w := out[i].Weight
		if w < 0 {
			w = 0
		}
		scaled := w * domain.TotalQuestionWeight
		out[i].Weight = scaled / total
		assigned += out[i].Weight
		shares = append(shares, share{idx: i, remainder: scaled % total})
	}
	sort.SliceStable(shares, func(a, b int) bool { return shares[a].remainder > shares[b].remainder })
	for i := 0; assigned < domain.TotalQuestionWeight; i++ {
		out[shares[i%len(shares)].idx].Weight++
		assigned++
	}
	return out, true, nil
}

// NormalizeDays renumbers days 1..n in reply order when the reported numbers
// are not unique positive integers. Nil topic and task lists become empty.
func NormalizeDays(days []domain.StudyDay) []domain.StudyDay {
	out := make([]domain.StudyDay, len(days))
	copy(out, days)
	seen := make(map[int]struct{}, len(out))
	renumber := false
	for _, d := range out {
		if _, dup := seen[d.Day]; dup || d.Day <= 0 {
			renumber = true
			break
		}
		seen[d.Day] = struct{}{}
	}
	for i := range out {
		if renumber {
			out[i].Day = i + 1
		}
		if out[i].Topics == nil {
			out[i].Topics = []string{}
		}
		if out[i].Tasks == nil {
			out[i].Tasks = []string{}
		}
	}
	return out
}

func sumWeights(topics []domain.Topic) int {
	total := 0
	for _, t := range topics {
		total += t.Weight
	}
	return total
}
