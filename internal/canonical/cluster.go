package canonical

import (
	"sort"
	"time"
)

// similarityFloor is the Jaccard similarity at which two headlines from the
// same source count as the same story.
const similarityFloor = 0.9

// ClusterItem is the slice of an item the clustering pass needs.
type ClusterItem struct {
	ID           string
	Title        string
	Source       string
	DiscoveredAt time.Time
}

// Assignment records an item's cluster membership. Exactly one member per
// cluster is primary; the rest are retained for audit but skipped downstream.
type Assignment struct {
	ClusterID  string
	ItemID     string
	IsPrimary  bool
	Similarity float64
}

// Cluster groups near-duplicate headlines from the same source inside the
// time window. The earliest-discovered member becomes primary; ties fall back
// to item id so the outcome is deterministic.
func Cluster(items []ClusterItem, window time.Duration) []Assignment {
	ordered := make([]ClusterItem, len(items))
	copy(ordered, items)
	sort.Slice(ordered, func(i, j int) bool {
		if !ordered[i].DiscoveredAt.Equal(ordered[j].DiscoveredAt) {
			return ordered[i].DiscoveredAt.Before(ordered[j].DiscoveredAt)
		}
		return ordered[i].ID < ordered[j].ID
	})

	type cluster struct {
		primary    ClusterItem
		members    []ClusterItem
		similarity []float64
	}

	var clusters []*cluster
	for _, item := range ordered {
		var best *cluster
		bestSim := 0.0
		for _, c := range clusters {
			if c.primary.Source != item.Source {
				continue
			}
			gap := item.DiscoveredAt.Sub(c.primary.DiscoveredAt)
			if gap < 0 {
				gap = -gap
			}
			if gap > window {
				continue
			}
			sim := Jaccard(c.primary.Title, item.Title)
			if sim >= similarityFloor && sim > bestSim {
				best = c
				bestSim = sim
			}
		}
		if best == nil {
			clusters = append(clusters, &cluster{primary: item})
			continue
		}
		best.members = append(best.members, item)
		best.similarity = append(best.similarity, bestSim)
	}

	var out []Assignment
	for _, c := range clusters {
		out = append(out, Assignment{
			ClusterID:  c.primary.ID,
			ItemID:     c.primary.ID,
			IsPrimary:  true,
			Similarity: 1,
		})
		for i, m := range c.members {
			out = append(out, Assignment{
				ClusterID:  c.primary.ID,
				ItemID:     m.ID,
				IsPrimary:  false,
				Similarity: c.similarity[i],
			})
		}
	}
	return out
}
