package dispatch

import (
	"slices"

	"github.com/samber/lo"

	"github.com/orrn/labsync/internal/config"
	"github.com/orrn/labsync/internal/model"
)

const (
	SplitDefault    = "default"
	SplitSKU        = "sku"
	SplitItem       = "item"
	SplitSpecialSKU = "special_sku"
	SplitSurface    = "surface"
)

// PartitionFunc splits the SKUs of a queue into disjoint groups that must
// print as separate jobs.
type PartitionFunc func(q config.QueueConfig, skus []string) [][]string

// SurfacePartition groups SKUs by the surface of their queue mapping.
// Unmapped SKUs share the empty surface.
func SurfacePartition(q config.QueueConfig, skus []string) [][]string {
	groups := lo.GroupBy(skus, func(sku string) string {
		return q.Mappings[sku].Surface
	})
	surfaces := lo.Keys(groups)
	slices.Sort(surfaces)
	return lo.Map(surfaces, func(s string, _ int) []string { return groups[s] })
}

// splitItems applies the queue's split policy to the items routed to it and
// returns groups of indexes into items, one group per job before chunking.
func splitItems(q config.QueueConfig, items []*model.Item, partition PartitionFunc) [][]int {
	if len(items) == 0 {
		return nil
	}
	all := lo.Range(len(items))

	switch q.Split {
	case SplitSKU:
		return groupByKey(all, func(i int) string { return items[i].SKU })

	case SplitItem:
		return lo.Map(all, func(i int, _ int) []int { return []int{i} })

	case SplitSpecialSKU:
		special, rest := lo.FilterReject(all, func(i int, _ int) bool {
			return slices.Contains(q.SpecialSKUs, items[i].SKU)
		})
		return lo.Filter([][]int{special, rest}, func(g []int, _ int) bool { return len(g) > 0 })

	case SplitSurface:
		if partition == nil {
			partition = SurfacePartition
		}
		skus := lo.Uniq(lo.Map(all, func(i int, _ int) string { return items[i].SKU }))
		var groups [][]int
		placed := make(map[int]bool)
		for _, subset := range partition(q, skus) {
			g := lo.Filter(all, func(i int, _ int) bool {
				return !placed[i] && slices.Contains(subset, items[i].SKU)
			})
			for _, i := range g {
				placed[i] = true
			}
			if len(g) > 0 {
				groups = append(groups, g)
			}
		}
		// SKUs the partition left out still print, together.
		if rest := lo.Reject(all, func(i int, _ int) bool { return placed[i] }); len(rest) > 0 {
			groups = append(groups, rest)
		}
		return groups

	default:
		return [][]int{all}
	}
}

// groupByKey groups indexes by key, keeping groups in order of first appearance.
func groupByKey(idx []int, key func(int) string) [][]int {
	var keys []string
	groups := make(map[string][]int)
	for _, i := range idx {
		k := key(i)
		if _, ok := groups[k]; !ok {
			keys = append(keys, k)
		}
		groups[k] = append(groups[k], i)
	}
	return lo.Map(keys, func(k string, _ int) []int { return groups[k] })
}
