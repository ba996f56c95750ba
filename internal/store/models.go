package store

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound  = errors.New("entity not found")
	ErrExists    = errors.New("entity already exists")
	ErrNotLocked = errors.New("entity lock not held by caller")
)

type Token string

type Key struct {
	Kind string
	ID   string
}

func (k Key) String() string {
	return k.Kind + "/" + k.ID
}

// LockedError reports that a key is held by another worker.
type LockedError struct {
	Key    Key
	Holder string
	Since  time.Time
}

func (e *LockedError) Error() string {
	if e.Holder == "" {
		return fmt.Sprintf("%s is locked", e.Key)
	}
	return fmt.Sprintf("%s is locked by %s", e.Key, e.Holder)
}

type Record struct {
	Key     string
	Version int64
	Data    []byte
}

type LockInfo struct {
	Key    Key       `json:"-"`
	Holder string    `json:"holder"`
	Since  time.Time `json:"since"`
}

type JobFilter struct {
	OrderKey string
	Status   *int
}

type ArchivedOrder struct {
	ID         int64     `json:"id"`
	OrderKey   string    `json:"order_key"`
	Status     int       `json:"status"`
	Dir        string    `json:"dir"`
	ItemCount  int       `json:"item_count"`
	JobCount   int       `json:"job_count"`
	ArchivedAt time.Time `json:"archived_at"`
}
