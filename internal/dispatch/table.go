package dispatch

import (
	"fmt"
	"slices"
	"strings"

	"github.com/samber/lo"

	"github.com/orrn/labsync/internal/config"
)

// Table is an immutable snapshot of the queue configuration and the SKU
// routes. Reloads build a new table and swap it in.
type Table struct {
	queues map[string]config.QueueConfig
	order  []string
	routes map[string]string
}

func NewTable(cfg *config.Config) (*Table, error) {
	if err := cfg.ValidateQueues(); err != nil {
		return nil, fmt.Errorf("invalid queue table: %w", err)
	}
	t := &Table{
		queues: make(map[string]config.QueueConfig, len(cfg.Queues)),
		routes: make(map[string]string, len(cfg.Routes)),
	}
	for _, q := range cfg.Queues {
		q.Mappings = cloneMappings(q.Mappings)
		q.SpecialSKUs = slices.Clone(q.SpecialSKUs)
		t.queues[strings.ToLower(q.ID)] = q
		t.order = append(t.order, q.ID)
	}
	for sku, id := range cfg.Routes {
		t.routes[sku] = id
	}
	return t, nil
}

func cloneMappings(m map[string]config.MappingConfig) map[string]config.MappingConfig {
	if m == nil {
		return nil
	}
	out := make(map[string]config.MappingConfig, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (t *Table) FindQueueByID(id string) (config.QueueConfig, bool) {
	q, ok := t.queues[strings.ToLower(id)]
	return q, ok
}

// FindQueueBySKU returns the queue a SKU is routed to.
func (t *Table) FindQueueBySKU(sku string) (config.QueueConfig, bool) {
	id, ok := t.routes[sku]
	if !ok {
		return config.QueueConfig{}, false
	}
	return t.FindQueueByID(id)
}

// ExistsMapping reports whether the queue can print the SKU. Queues that do
// not require mappings accept any SKU.
func (t *Table) ExistsMapping(queueID, sku string) bool {
	q, ok := t.FindQueueByID(queueID)
	if !ok {
		return false
	}
	if !q.RequireMapping {
		return true
	}
	_, ok = q.Mappings[sku]
	return ok
}

// Queues returns the queues in configuration order.
func (t *Table) Queues() []config.QueueConfig {
	return lo.Map(t.order, func(id string, _ int) config.QueueConfig {
		return t.queues[strings.ToLower(id)]
	})
}

// Validate checks that every routed SKU has its mapping on the target queue.
func (t *Table) Validate() error {
	var missing []string
	for sku, id := range t.routes {
		if !t.ExistsMapping(id, sku) {
			missing = append(missing, fmt.Sprintf("%s->%s", sku, id))
		}
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		return fmt.Errorf("routes without mapping: %s", strings.Join(missing, ", "))
	}
	return nil
}
