package model

import (
	"cmp"
	"slices"
	"strconv"
	"time"
)

// ComputeOrderStatus derives the order status from its items: all received
// means invoiced, all at least printed means printed, anything else printing.
func ComputeOrderStatus(items []Item) OrderStatus {
	return computeStatus(items, ItemPrinted)
}

// ComputeAltStatus answers whether every item has at least been sent to a
// queue. PRINTED here means "all sent", not "all done".
func ComputeAltStatus(items []Item) OrderStatus {
	return computeStatus(items, ItemPrinting)
}

func computeStatus(items []Item, threshold ItemStatus) OrderStatus {
	allReceived := true
	allDone := true
	for _, it := range items {
		if it.Status > ItemReceived {
			allReceived = false
		}
		if it.Status < threshold {
			allDone = false
		}
	}
	switch {
	case allReceived:
		return OrderInvoiced
	case allDone:
		return OrderPrinted
	default:
		return OrderPrinting
	}
}

// NeedsStartOver reports whether an order should be demoted back to a stub
// and downloaded again. The first attempt never starts over, and neither does
// an order that made progress within the interval.
func NeedsStartOver(o *Order, now time.Time, interval time.Duration) bool {
	if interval <= 0 || o.LastAttempt.IsZero() {
		return false
	}
	threshold := now.Add(-interval)
	if o.LastAttempt.After(threshold) {
		return false
	}
	return !o.LastProgress.After(threshold)
}

// DueMap maps a SKU to how long after the order date it must be done.
type DueMap map[string]time.Duration

// DueInterval returns the time remaining before the earliest SKU deadline of
// the order. Stubs and orders without a due SKU have no interval.
func (d DueMap) DueInterval(o *Order, now time.Time) (time.Duration, bool) {
	if o.Stub || o.OrderDate.IsZero() || len(d) == 0 {
		return 0, false
	}
	var best time.Duration
	found := false
	for _, it := range o.Items {
		due, ok := d[it.SKU]
		if !ok {
			continue
		}
		remaining := o.OrderDate.Add(due).Sub(now)
		if !found || remaining < best {
			best = remaining
			found = true
		}
	}
	return best, found
}

// SortForProcessing orders candidates for the download worker. With
// prioritization, entities without an interval (stubs included) come first,
// then the most urgent interval; the order id breaks ties.
func SortForProcessing(orders []*Order, due DueMap, now time.Time, prioritize bool) {
	type keyed struct {
		o        *Order
		interval time.Duration
		has      bool
	}
	ks := make([]keyed, len(orders))
	for i, o := range orders {
		k := keyed{o: o}
		if prioritize {
			k.interval, k.has = due.DueInterval(o, now)
		}
		ks[i] = k
	}
	slices.SortStableFunc(ks, func(a, b keyed) int {
		if prioritize {
			if a.has != b.has {
				if !a.has {
					return -1
				}
				return 1
			}
			if c := cmp.Compare(a.interval, b.interval); c != 0 {
				return c
			}
		}
		return CompareOrderIDs(a.o.Key(), b.o.Key())
	})
	for i := range ks {
		orders[i] = ks[i].o
	}
}

// CompareOrderIDs compares numerically when both ids are numbers.
func CompareOrderIDs(a, b string) int {
	na, errA := strconv.ParseInt(a, 10, 64)
	nb, errB := strconv.ParseInt(b, 10, 64)
	if errA == nil && errB == nil {
		return cmp.Compare(na, nb)
	}
	if errA == nil {
		return -1
	}
	if errB == nil {
		return 1
	}
	return cmp.Compare(a, b)
}
