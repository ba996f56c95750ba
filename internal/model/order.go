package model

import (
	"strconv"
	"time"
)

const (
	KindOrder = "order"
	KindJob   = "job"
)

type Order struct {
	OrderID  string `json:"order_id"`
	OrderSeq int64  `json:"order_seq,omitempty"`
	Variant  string `json:"variant,omitempty"`

	// Stub is true until the order metadata has been downloaded and parsed.
	Stub bool   `json:"stub"`
	Dir  string `json:"dir"`

	Status       OrderStatus `json:"status"`
	Hold         Hold        `json:"hold"`
	ErrorMessage string      `json:"error_message,omitempty"`

	LastUpdated   string    `json:"last_updated"`
	LastAttempt   time.Time `json:"last_attempt"`
	LastProgress  time.Time `json:"last_progress"`
	RecmodDate    time.Time `json:"recmod_date"`
	RetryDeadline time.Time `json:"retry_deadline,omitempty"`
	Notified      bool      `json:"notified,omitempty"`

	OrderDate time.Time   `json:"order_date,omitempty"`
	Items     []Item      `json:"items,omitempty"`
	Files     []OrderFile `json:"files,omitempty"`
}

type Item struct {
	Filename string `json:"filename,omitempty"`
	// Multi marks a multi-image item (books, collages); Filenames lists its images.
	Multi     bool       `json:"multi,omitempty"`
	Filenames []string   `json:"filenames,omitempty"`
	SKU       string     `json:"sku"`
	Quantity  int        `json:"quantity"`
	Sequence  bool       `json:"sequence,omitempty"`
	Status    ItemStatus `json:"status"`
}

type OrderFile struct {
	Filename    string     `json:"filename"`
	Status      FileStatus `json:"status"`
	DownloadURL string     `json:"download_url"`
	Size        int64      `json:"size"`
}

func NewStub(orderID, lastUpdated, dir string, now time.Time) *Order {
	return &Order{
		OrderID:     orderID,
		Stub:        true,
		Dir:         dir,
		Status:      OrderPending,
		Hold:        HoldNone,
		LastUpdated: lastUpdated,
		RecmodDate:  now,
	}
}

// Key returns the entity store key of the order. Locally created orders
// carry a sequence number instead of a server order id.
func (o *Order) Key() string {
	if o.OrderID == "" && o.OrderSeq != 0 {
		return LocalOrderKey(o.OrderSeq)
	}
	return o.OrderID
}

func LocalOrderKey(seq int64) string {
	return "local-" + strconv.FormatInt(seq, 10)
}

// ItemKey identifies an item within its order.
type ItemKey struct {
	Filename string `json:"filename"`
	SKU      string `json:"sku"`
}

func (i *Item) Key() ItemKey {
	return ItemKey{Filename: i.Filename, SKU: i.SKU}
}

// FindItem returns the index of the item with the given key or -1.
func (o *Order) FindItem(k ItemKey) int {
	for i := range o.Items {
		if o.Items[i].Key() == k {
			return i
		}
	}
	return -1
}

func (o *Order) FindFile(filename string) int {
	for i := range o.Files {
		if o.Files[i].Filename == filename {
			return i
		}
	}
	return -1
}

// AllFilesReceived is false for stubs.
func (o *Order) AllFilesReceived() bool {
	if o.Stub {
		return false
	}
	for _, f := range o.Files {
		if f.Status != FileReceived {
			return false
		}
	}
	return true
}

// ItemFiles returns the filenames an item is printed from.
func (i *Item) ItemFiles() []string {
	if i.Multi {
		return i.Filenames
	}
	if i.Filename == "" {
		return nil
	}
	return []string{i.Filename}
}

// Clone returns a deep copy so callers can mutate without touching a cached record.
func (o *Order) Clone() *Order {
	c := *o
	c.Items = make([]Item, len(o.Items))
	for i, it := range o.Items {
		it.Filenames = append([]string(nil), it.Filenames...)
		c.Items[i] = it
	}
	c.Files = append([]OrderFile(nil), o.Files...)
	if o.Items == nil {
		c.Items = nil
	}
	return &c
}
