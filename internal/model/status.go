package model

import "fmt"

// Numeric values below are persisted; never renumber them.

type OrderStatus int

const (
	OrderPending   OrderStatus = 0
	OrderReceiving OrderStatus = 1
	OrderReceived  OrderStatus = 2
	OrderInvoicing OrderStatus = 3
	OrderInvoiced  OrderStatus = 4
	OrderPrinting  OrderStatus = 5
	OrderPrinted   OrderStatus = 6
	OrderCompleted OrderStatus = 7
	OrderAborted   OrderStatus = 8
	OrderCanceled  OrderStatus = 9
)

var orderStatusNames = map[OrderStatus]string{
	OrderPending:   "pending",
	OrderReceiving: "receiving",
	OrderReceived:  "received",
	OrderInvoicing: "invoicing",
	OrderInvoiced:  "invoiced",
	OrderPrinting:  "printing",
	OrderPrinted:   "printed",
	OrderCompleted: "completed",
	OrderAborted:   "aborted",
	OrderCanceled:  "canceled",
}

func (s OrderStatus) String() string {
	if name, ok := orderStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("order_status(%d)", int(s))
}

// Terminal reports whether no further processing happens for the order.
func (s OrderStatus) Terminal() bool {
	return s == OrderCompleted || s == OrderAborted || s == OrderCanceled
}

// Printable reports whether jobs may be created for an order in this status.
func (s OrderStatus) Printable() bool {
	return s >= OrderReceived && s <= OrderPrinted
}

type Hold int

const (
	HoldNone    Hold = 0
	HoldUser    Hold = 1
	HoldError   Hold = 2
	HoldInvoice Hold = 3
	HoldRetry   Hold = 4
)

var holdNames = map[Hold]string{
	HoldNone:    "none",
	HoldUser:    "user",
	HoldError:   "error",
	HoldInvoice: "invoice",
	HoldRetry:   "retry",
}

func (h Hold) String() string {
	if name, ok := holdNames[h]; ok {
		return name
	}
	return fmt.Sprintf("hold(%d)", int(h))
}

type ItemStatus int

const (
	ItemPending   ItemStatus = 0
	ItemReceiving ItemStatus = 1
	ItemReceived  ItemStatus = 2
	ItemPrinting  ItemStatus = 3
	ItemPrinted   ItemStatus = 4
)

var itemStatusNames = map[ItemStatus]string{
	ItemPending:   "pending",
	ItemReceiving: "receiving",
	ItemReceived:  "received",
	ItemPrinting:  "printing",
	ItemPrinted:   "printed",
}

func (s ItemStatus) String() string {
	if name, ok := itemStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("item_status(%d)", int(s))
}

type FileStatus int

const (
	FilePending   FileStatus = 0
	FileReceiving FileStatus = 1
	FileReceived  FileStatus = 2
)

var fileStatusNames = map[FileStatus]string{
	FilePending:   "pending",
	FileReceiving: "receiving",
	FileReceived:  "received",
}

func (s FileStatus) String() string {
	if name, ok := fileStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("file_status(%d)", int(s))
}

type JobStatus int

const (
	JobPending   JobStatus = 0
	JobSent      JobStatus = 1
	JobCompleted JobStatus = 2
	JobForgotten JobStatus = 3
)

var jobStatusNames = map[JobStatus]string{
	JobPending:   "pending",
	JobSent:      "sent",
	JobCompleted: "completed",
	JobForgotten: "forgotten",
}

func (s JobStatus) String() string {
	if name, ok := jobStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("job_status(%d)", int(s))
}

// Purgeable reports whether a job in this status may be deleted.
func (s JobStatus) Purgeable() bool {
	return s == JobPending || s == JobCompleted || s == JobForgotten
}
