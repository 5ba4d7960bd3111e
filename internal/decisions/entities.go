package decisions

import (
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/loqui-ai/loqui/pkg/types"
)

// slugSimilarityThreshold is the minimum normalised Levenshtein similarity
// between two entity labels for them to be treated as the same entity.
const slugSimilarityThreshold = 0.85

// labelSimilarity returns the normalised Levenshtein similarity of two
// labels in [0, 1], case-insensitive. Identical labels score 1.
func labelSimilarity(a, b string) float64 {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))
	if a == b {
		return 1
	}
	longer := len(a)
	if len(b) > longer {
		longer = len(b)
	}
	if longer == 0 {
		return 1
	}
	dist := matchr.Levenshtein(a, b)
	return 1 - float64(dist)/float64(longer)
}

// reconcileSlugs rewrites the slug of each incoming entity to an existing
// slug from the meeting's decision log when a stored entity of the same type
// has a near-identical label. The LLM slugs labels independently per call, so
// "Sarah Chen" and "Sara Chen" would otherwise fork into two identities.
func reconcileSlugs(existing []types.DecisionItem, entities []types.Entity) []types.Entity {
	if len(entities) == 0 {
		return entities
	}

	// Most recent slug per (type, label) wins when several stored labels match.
	type known struct {
		label string
		id    string
	}
	seen := make(map[string][]known)
	for _, item := range existing {
		for _, e := range item.Entities {
			seen[e.Type] = append(seen[e.Type], known{label: e.Label, id: e.ID})
		}
	}

	out := make([]types.Entity, len(entities))
	for i, e := range entities {
		out[i] = e
		best := slugSimilarityThreshold
		for _, k := range seen[e.Type] {
			if sim := labelSimilarity(e.Label, k.label); sim >= best {
				best = sim
				out[i].ID = k.id
			}
		}
	}
	return out
}
