package format

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/orrn/labsync/internal/config"
	"github.com/orrn/labsync/internal/model"
)

const (
	// CompleteSuffix is appended to a job directory by the lab software once
	// the job has been printed.
	CompleteSuffix = ".done"
	partialSuffix  = ".part"
	ticketName     = "ticket.json"
)

// CompletedDir returns the name a job directory takes once complete.
func CompletedDir(dir string) string {
	return dir + CompleteSuffix
}

type ticket struct {
	OrderID string        `json:"order_id"`
	JobID   int64         `json:"job_id"`
	Queue   string        `json:"queue"`
	Lines   []ticketEntry `json:"lines"`
}

type ticketEntry struct {
	Files       []string `json:"files"`
	SKU         string   `json:"sku"`
	ProductCode string   `json:"product_code,omitempty"`
	Quantity    int      `json:"quantity"`
	Sequence    bool     `json:"sequence,omitempty"`
}

// HotFolder copies the job images into a directory watched by the lab
// software, followed by a ticket describing what to print. The directory is
// built under a temporary name and renamed once complete.
type HotFolder struct{}

func (h *HotFolder) Name() string { return "hotfolder" }

func (h *HotFolder) Format(ctx context.Context, job *model.Job, order *model.Order, q config.QueueConfig) error {
	lines, err := Lines(job, order, q)
	if err != nil {
		return err
	}

	name := fmt.Sprintf("%s_%d", order.Key(), job.ID)
	final := filepath.Join(q.Dir, name)
	tmp := final + partialSuffix
	if err := os.RemoveAll(tmp); err != nil {
		return fmt.Errorf("failed to clear %s: %w", tmp, err)
	}
	if err := os.MkdirAll(tmp, 0755); err != nil {
		return fmt.Errorf("failed to create job directory: %w", err)
	}

	t := ticket{OrderID: order.Key(), JobID: job.ID, Queue: q.ID}
	var files []string
	seq := 0
	for _, line := range lines {
		entry := ticketEntry{SKU: line.SKU, ProductCode: line.ProductCode, Quantity: line.Quantity, Sequence: line.Sequence}
		for _, src := range line.Paths {
			if err := ctx.Err(); err != nil {
				os.RemoveAll(tmp)
				return err
			}
			seq++
			dest := fmt.Sprintf("%03d_%s", seq, filepath.Base(src))
			if err := copyFile(src, filepath.Join(tmp, dest)); err != nil {
				os.RemoveAll(tmp)
				return err
			}
			files = append(files, dest)
			entry.Files = append(entry.Files, dest)
		}
		t.Lines = append(t.Lines, entry)
	}

	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		os.RemoveAll(tmp)
		return fmt.Errorf("failed to encode ticket: %w", err)
	}
	if err := os.WriteFile(filepath.Join(tmp, ticketName), data, 0644); err != nil {
		os.RemoveAll(tmp)
		return fmt.Errorf("failed to write ticket: %w", err)
	}
	files = append(files, ticketName)

	if err := os.RemoveAll(final); err != nil {
		os.RemoveAll(tmp)
		return fmt.Errorf("failed to clear %s: %w", final, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.RemoveAll(tmp)
		return fmt.Errorf("failed to publish job directory: %w", err)
	}

	job.Dir = final
	job.Files = files
	job.Property = name
	return nil
}

func (h *HotFolder) IsComplete(job *model.Job, _ config.QueueConfig) (bool, error) {
	if job.Dir == "" {
		return false, nil
	}
	_, err := os.Stat(CompletedDir(job.Dir))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func (h *HotFolder) MakeComplete(job *model.Job, q config.QueueConfig) error {
	if job.Dir == "" {
		return nil
	}
	done, err := h.IsComplete(job, q)
	if err != nil || done {
		return err
	}
	if err := os.Rename(job.Dir, CompletedDir(job.Dir)); err != nil {
		return fmt.Errorf("failed to mark job %d complete: %w", job.ID, err)
	}
	return nil
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dest, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	return out.Close()
}
