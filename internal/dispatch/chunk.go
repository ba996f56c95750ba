package dispatch

import "github.com/samber/lo"

// Limits are the chunk limits of a queue. A zero ChunkCountMax disables
// chunk splitting.
type Limits struct {
	ChunkStd      int
	ChunkMax      int
	ChunkCountMax int
}

// ChunkItem is the input of SplitChunks.
type ChunkItem struct {
	Quantity int
	Sequence bool
	// Multi items are printed as a single artifact and count no chunks.
	Multi bool
}

// Part is a slice of one item assigned to a job.
type Part struct {
	Item     int
	Quantity int
	Chunks   int
}

// ChunkSizes returns the copies of each chunk an item is printed in. A
// sequenced item prints one copy per chunk. Otherwise copies are bucketed by
// ChunkStd, and a remainder that still fits under ChunkMax is folded into the
// last chunk instead of opening a smaller one.
func ChunkSizes(quantity int, sequence bool, l Limits) []int {
	if quantity <= 0 {
		return nil
	}
	if sequence {
		return lo.RepeatBy(quantity, func(int) int { return 1 })
	}
	std := l.ChunkStd
	if std <= 0 {
		return []int{quantity}
	}
	chunkMax := max(l.ChunkMax, std)

	full, rest := quantity/std, quantity%std
	sizes := lo.RepeatBy(full, func(int) int { return std })
	switch {
	case rest == 0:
	case full > 0 && std+rest <= chunkMax:
		sizes[full-1] += rest
	default:
		sizes = append(sizes, rest)
	}
	return sizes
}

// ChunkCounts returns the chunk count of every item.
func ChunkCounts(items []ChunkItem, l Limits) []int {
	return lo.Map(items, func(it ChunkItem, _ int) int {
		if it.Multi {
			return 0
		}
		return len(ChunkSizes(it.Quantity, it.Sequence, l))
	})
}

// SplitChunks packs items into jobs so that no job exceeds ChunkCountMax
// chunks. Items are taken in order and a job is sealed when the next item no
// longer fits. An item that alone exceeds the maximum is spread over
// single-item jobs of ChunkCountMax chunks, and its remainder opens the next
// job. No returned job is empty and the quantities of each item's parts add
// up to the item quantity.
func SplitChunks(items []ChunkItem, l Limits) [][]Part {
	var (
		jobs    [][]Part
		current []Part
		count   int
	)
	seal := func() {
		if len(current) > 0 {
			jobs = append(jobs, current)
		}
		current, count = nil, 0
	}
	limit := l.ChunkCountMax

	for i, it := range items {
		if it.Quantity <= 0 {
			continue
		}
		if it.Multi {
			current = append(current, Part{Item: i, Quantity: it.Quantity})
			continue
		}
		sizes := ChunkSizes(it.Quantity, it.Sequence, l)
		if limit <= 0 {
			current = append(current, Part{Item: i, Quantity: it.Quantity, Chunks: len(sizes)})
			continue
		}

		if count+len(sizes) > limit {
			seal()
		}
		for len(sizes) > limit {
			jobs = append(jobs, []Part{{Item: i, Quantity: lo.Sum(sizes[:limit]), Chunks: limit}})
			sizes = sizes[limit:]
		}
		current = append(current, Part{Item: i, Quantity: lo.Sum(sizes), Chunks: len(sizes)})
		count += len(sizes)
	}
	seal()
	return jobs
}
