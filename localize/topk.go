package localize

import "sort"

// SelectTopK returns the min(k, len(matches)) highest-scoring candidates in
// descending score order. Equal scores are ordered by ascending keyframe ID.
// The input slice is not modified.
func SelectTopK(matches []CandidateMatch, k int) []CandidateMatch {
	if k <= 0 || len(matches) == 0 {
		return nil
	}

	sorted := make([]CandidateMatch, len(matches))
	copy(sorted, matches)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Score != sorted[j].Score {
			return sorted[i].Score > sorted[j].Score
		}
		return sorted[i].Keyframe.ID < sorted[j].Keyframe.ID
	})

	if k > len(sorted) {
		k = len(sorted)
	}
	return sorted[:k]
}
