package model

import (
	"strconv"
	"time"
)

type Job struct {
	ID       int64  `json:"id"`
	QueueID  string `json:"queue_id"`
	OrderID  string `json:"order_id"`
	OrderSeq int64  `json:"order_seq,omitempty"`
	Refs     []Ref  `json:"refs"`

	Status       JobStatus `json:"status"`
	Hold         Hold      `json:"hold"`
	ErrorMessage string    `json:"error_message,omitempty"`

	// Format is the queue's format tag at creation time.
	Format   string   `json:"format"`
	Dir      string   `json:"dir,omitempty"`
	Files    []string `json:"files,omitempty"`
	Property string   `json:"property,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	LastUpdated time.Time  `json:"last_updated"`
	SentAt      *time.Time `json:"sent_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

type Ref struct {
	Filename string `json:"filename,omitempty"`
	SKU      string `json:"sku"`
	// IndividualQuantity overrides the item quantity when set.
	IndividualQuantity *int `json:"individual_quantity,omitempty"`
	// DoneQuantity counts copies a stopped format already delivered.
	DoneQuantity int `json:"done_quantity,omitempty"`
}

func JobKey(id int64) string {
	return strconv.FormatInt(id, 10)
}

func (j *Job) Key() string {
	return JobKey(j.ID)
}

// OrderKey returns the store key of the order the job belongs to.
func (j *Job) OrderKey() string {
	if j.OrderID == "" && j.OrderSeq != 0 {
		return LocalOrderKey(j.OrderSeq)
	}
	return j.OrderID
}

func (r Ref) ItemKey() ItemKey {
	return ItemKey{Filename: r.Filename, SKU: r.SKU}
}

// Quantity returns the number of copies the ref asks for given its item.
func (r Ref) Quantity(item *Item) int {
	if r.IndividualQuantity != nil {
		return *r.IndividualQuantity
	}
	return item.Quantity
}

// Remaining returns the copies not yet delivered by an earlier attempt.
func (r Ref) Remaining(item *Item) int {
	return max(r.Quantity(item)-r.DoneQuantity, 0)
}

// Active reports whether the job still owns its refs on a queue.
func (j *Job) Active() bool {
	return j.Status == JobPending || j.Status == JobSent
}

func IntPtr(v int) *int {
	return &v
}
