package search

import (
	"math"
	"sort"

	"github.com/soundprediction/mnemo/pkg/embedder"
)

// RRF (Reciprocal Rank Fusion) combines multiple ranked uuid lists into one
// ranking: score = sum over lists of 1/(rank + rankConstant).
func RRF(results [][]string, rankConstant int, minScore float64) ([]string, []float64) {
	if rankConstant <= 0 {
		rankConstant = DefaultRankConstant
	}

	scores := make(map[string]float64)
	for _, result := range results {
		for i, uuid := range result {
			scores[uuid] += 1.0 / float64(i+rankConstant)
		}
	}

	type uuidScore struct {
		uuid  string
		score float64
	}
	var scoredUUIDs []uuidScore
	for uuid, score := range scores {
		if score >= minScore {
			scoredUUIDs = append(scoredUUIDs, uuidScore{uuid: uuid, score: score})
		}
	}

	sort.Slice(scoredUUIDs, func(i, j int) bool {
		if scoredUUIDs[i].score != scoredUUIDs[j].score {
			return scoredUUIDs[i].score > scoredUUIDs[j].score
		}
		return scoredUUIDs[i].uuid < scoredUUIDs[j].uuid
	})

	uuids := make([]string, len(scoredUUIDs))
	scoreList := make([]float64, len(scoredUUIDs))
	for i, item := range scoredUUIDs {
		uuids[i] = item.uuid
		scoreList[i] = item.score
	}
	return uuids, scoreList
}

// MaximalMarginalRelevance (MMR) greedily reranks results to balance
// relevance and diversity: each step picks the candidate maximizing
// lambda * query_sim - (1-lambda) * max_sim_to_already_picked, so a
// near-duplicate of a picked result drops behind more diverse candidates.
func MaximalMarginalRelevance(queryVector []float32, candidates map[string][]float32, mmrLambda float64, minScore float64) ([]string, []float64) {
	if mmrLambda == 0 {
		mmrLambda = DefaultMMRLambda
	}
	if len(candidates) == 0 {
		return []string{}, []float64{}
	}

	remaining := make([]string, 0, len(candidates))
	normalized := make(map[string][]float32, len(candidates))
	for uuid, vec := range candidates {
		normalized[uuid] = normalizeL2(vec)
		remaining = append(remaining, uuid)
	}
	sort.Strings(remaining)

	normalizedQuery := normalizeL2(queryVector)
	querySim := make(map[string]float64, len(remaining))
	for _, uuid := range remaining {
		querySim[uuid] = embedder.CosineSimilarity(normalizedQuery, normalized[uuid])
	}

	selected := make([]string, 0, len(remaining))
	scores := make([]float64, 0, len(remaining))
	for len(remaining) > 0 {
		bestIndex := 0
		bestScore := math.Inf(-1)
		for i, uuid := range remaining {
			maxSim := 0.0
			for _, picked := range selected {
				if sim := embedder.CosineSimilarity(normalized[uuid], normalized[picked]); sim > maxSim {
					maxSim = sim
				}
			}
			if mmr := mmrLambda*querySim[uuid] - (1-mmrLambda)*maxSim; mmr > bestScore {
				bestScore = mmr
				bestIndex = i
			}
		}
		if bestScore < minScore {
			break
		}
		selected = append(selected, remaining[bestIndex])
		scores = append(scores, bestScore)
		remaining = append(remaining[:bestIndex], remaining[bestIndex+1:]...)
	}
	return selected, scores
}

// rankByDistance orders fused results by hop distance ascending, breaking
// ties by fused relevance. Unreachable results sort last, still ordered by
// relevance.
func rankByDistance(fusedUUIDs []string, fusedScores []float64, distance func(uuid string) (int, bool)) ([]string, []float64, error) {
	type entry struct {
		uuid      string
		distance  float64
		relevance float64
	}

	entries := make([]entry, len(fusedUUIDs))
	for i, uuid := range fusedUUIDs {
		d, ok := distance(uuid)
		dist := math.Inf(1)
		if ok {
			dist = float64(d)
		}
		entries[i] = entry{uuid: uuid, distance: dist, relevance: fusedScores[i]}
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].distance != entries[j].distance {
			return entries[i].distance < entries[j].distance
		}
		return entries[i].relevance > entries[j].relevance
	})

	uuids := make([]string, len(entries))
	scores := make([]float64, len(entries))
	for i, e := range entries {
		uuids[i] = e.uuid
		if math.IsInf(e.distance, 1) {
			scores[i] = 0
		} else {
			scores[i] = 1.0 / (1.0 + e.distance)
		}
	}
	return uuids, scores, nil
}

// episodeMentionsRerank orders fused results by distinct supporting episode
// count descending, breaking ties by fused order. Each result keeps its own
// fused relevance score.
func episodeMentionsRerank(fusedUUIDs []string, fusedScores []float64, mentions func(uuid string) int) ([]string, []float64) {
	type entry struct {
		uuid      string
		mentions  int
		relevance float64
	}
	entries := make([]entry, len(fusedUUIDs))
	for i, uuid := range fusedUUIDs {
		entries[i] = entry{uuid: uuid, mentions: mentions(uuid), relevance: fusedScores[i]}
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].mentions != entries[j].mentions {
			return entries[i].mentions > entries[j].mentions
		}
		return entries[i].relevance > entries[j].relevance
	})

	uuids := make([]string, len(entries))
	scores := make([]float64, len(entries))
	for i, e := range entries {
		uuids[i] = e.uuid
		scores[i] = e.relevance
	}
	return uuids, scores
}

// normalizeL2 returns the unit-length copy of a vector.
func normalizeL2(vec []float32) []float32 {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return vec
	}
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(float64(v) / norm)
	}
	return out
}
