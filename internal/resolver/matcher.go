package resolver

import (
	"sort"
	"strings"
)

const (
	// DefaultMinScore is the minimum composite similarity for a match.
	DefaultMinScore = 0.65
	// DefaultTieEpsilon is the gap under which two top scores count as a tie.
	DefaultTieEpsilon = 0.08
)

// Entity is a catalog entry the matcher scores against.
type Entity struct {
	ID          string
	Name        string
	DurationMin int
}

// Candidate pairs an entity with its similarity score.
type Candidate struct {
	Entity Entity
	Score  float64
}

// MatchOptions tune the matcher thresholds.
type MatchOptions struct {
	MinScore   float64
	TieEpsilon float64
}

func (o MatchOptions) withDefaults() MatchOptions {
	if o.MinScore <= 0 {
		o.MinScore = DefaultMinScore
	}
	if o.TieEpsilon <= 0 {
		o.TieEpsilon = DefaultTieEpsilon
	}
	return o
}

// Match scores the query against every catalog entity and classifies the
// outcome. It is a pure function over the provided catalog.
func Match(query string, catalog []Entity, opts MatchOptions) Resolution {
	opts = opts.withDefaults()

	normalized := NormalizeName(query)
	if normalized == "" || len(catalog) == 0 {
		return Resolution{Outcome: NotFound}
	}
	variants := nameVariants(normalized)

	scored := make([]Candidate, 0, len(catalog))
	for _, entity := range catalog {
		target := NormalizeName(entity.Name)
		best := 0.0
		for _, v := range variants {
			if s := compositeSimilarity(v, target); s > best {
				best = s
			}
		}
		scored = append(scored, Candidate{Entity: entity, Score: best})
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })

	top := scored[0]
	if top.Score < opts.MinScore {
		return Resolution{Outcome: NotFound, Candidates: scored[:min(len(scored), 5)]}
	}

	tied := []Candidate{top}
	for _, c := range scored[1:] {
		if top.Score-c.Score < opts.TieEpsilon {
			tied = append(tied, c)
		} else {
			break
		}
	}
	if len(tied) > 1 {
		return Resolution{Outcome: Ambiguous, Candidates: tied}
	}

	return Resolution{Outcome: Resolved, Match: &top.Entity, Score: top.Score, Candidates: scored[:min(len(scored), 5)]}
}

// compositeSimilarity blends four signals the same way for queries and
// variants: sequence ratio, prefix overlap, bigram Jaccard, and a substring
// bonus. Inputs must already be normalized.
func compositeSimilarity(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	ratio := sequenceRatio(a, b)
	prefix := prefixScore(a, b)
	bigrams := bigramOverlap(a, b)
	substring := 0.0
	if strings.Contains(a, b) || strings.Contains(b, a) {
		substring = 1.0
	}
	score := 0.5*ratio + 0.25*prefix + 0.2*bigrams + 0.05*substring
	if score > 1 {
		return 1
	}
	return score
}

// sequenceRatio is 2*LCS/(len(a)+len(b)), the classic similarity ratio.
func sequenceRatio(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 && len(rb) == 0 {
		return 1
	}
	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for i := 1; i <= len(ra); i++ {
		for j := 1; j <= len(rb); j++ {
			if ra[i-1] == rb[j-1] {
				curr[j] = prev[j-1] + 1
			} else if prev[j] >= curr[j-1] {
				curr[j] = prev[j]
			} else {
				curr[j] = curr[j-1]
			}
		}
		prev, curr = curr, prev
	}
	lcs := prev[len(rb)]
	return 2 * float64(lcs) / float64(len(ra)+len(rb))
}

func prefixScore(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	common := 0
	for i := 0; i < len(ra) && i < len(rb); i++ {
		if ra[i] != rb[i] {
			break
		}
		common++
	}
	if len(rb) == 0 {
		return 0
	}
	score := float64(common) / float64(len(rb))
	if score > 1 {
		return 1
	}
	return score
}

func bigramOverlap(a, b string) float64 {
	ba, bb := bigrams(a), bigrams(b)
	if len(ba) == 0 || len(bb) == 0 {
		return 0
	}
	inter := 0
	for g := range ba {
		if _, ok := bb[g]; ok {
			inter++
		}
	}
	union := len(ba) + len(bb) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func bigrams(s string) map[string]struct{} {
	r := []rune(s)
	out := make(map[string]struct{}, len(r))
	for i := 0; i+1 < len(r); i++ {
		out[string(r[i:i+2])] = struct{}{}
	}
	return out
}

