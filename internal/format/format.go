package format

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"

	"github.com/samber/lo"

	"github.com/orrn/labsync/internal/config"
	"github.com/orrn/labsync/internal/model"
)

var ErrUnknownFormat = errors.New("unknown format")

// Format produces the output of a job for one kind of device. Format must
// return ctx.Err() when it stops early and leave nothing half written
// under the job's final name. A format that delivers copies as it goes
// records them in the refs' DoneQuantity, on failure too.
type Format interface {
	Name() string
	// Format fills job.Dir, job.Files and job.Property.
	Format(ctx context.Context, job *model.Job, order *model.Order, q config.QueueConfig) error
	IsComplete(job *model.Job, q config.QueueConfig) (bool, error)
	MakeComplete(job *model.Job, q config.QueueConfig) error
}

type Registry struct {
	formats map[string]Format
}

func NewRegistry(formats ...Format) *Registry {
	r := &Registry{formats: make(map[string]Format, len(formats))}
	for _, f := range formats {
		r.formats[f.Name()] = f
	}
	return r
}

func (r *Registry) Get(name string) (Format, error) {
	f, ok := r.formats[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFormat, name)
	}
	return f, nil
}

func (r *Registry) Names() []string {
	names := lo.Keys(r.formats)
	slices.Sort(names)
	return names
}

// Line is one printable entry of a job: an item resolved against its order.
type Line struct {
	// Ref indexes the job ref the line was built from.
	Ref         int
	SKU         string
	ProductCode string
	Quantity    int
	Sequence    bool
	// Paths are absolute source paths, one per image.
	Paths []string
}

// Lines resolves the refs of a job against the order. Refs whose item is gone
// are an error, since the job would print the wrong thing. Quantities exclude
// copies already delivered, and fully delivered refs yield no line.
func Lines(job *model.Job, order *model.Order, q config.QueueConfig) ([]Line, error) {
	lines := make([]Line, 0, len(job.Refs))
	for n, ref := range job.Refs {
		i := order.FindItem(ref.ItemKey())
		if i < 0 {
			return nil, fmt.Errorf("job %d: item %s/%s not in order %s", job.ID, ref.Filename, ref.SKU, order.Key())
		}
		item := &order.Items[i]
		remaining := ref.Remaining(item)
		if remaining == 0 {
			continue
		}
		lines = append(lines, Line{
			Ref:         n,
			SKU:         item.SKU,
			ProductCode: q.Mappings[item.SKU].ProductCode,
			Quantity:    remaining,
			Sequence:    item.Sequence,
			Paths: lo.Map(item.ItemFiles(), func(name string, _ int) string {
				return filepath.Join(order.Dir, name)
			}),
		})
	}
	return lines, nil
}

// Default returns the registry of built-in formats.
func Default() *Registry {
	return NewRegistry(&HotFolder{}, &Raw{})
}
