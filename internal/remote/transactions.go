package remote

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
)

// ListEntry is one order as seen in the remote order list.
type ListEntry struct {
	OrderID     string `xml:"id,attr"`
	LastUpdated string `xml:"last_updated,attr"`
}

type orderList struct {
	XMLName xml.Name    `xml:"orders"`
	Page    int         `xml:"page,attr"`
	Pages   int         `xml:"pages,attr"`
	Orders  []ListEntry `xml:"order"`
}

// ListTransaction fetches one page of the order list for a variant.
type ListTransaction struct {
	Variant string
	Page    int

	Entries []ListEntry
	Pages   int

	ctx context.Context
	buf bytes.Buffer
}

func (t *ListTransaction) Describe() string {
	return fmt.Sprintf("list orders (variant %q, page %d)", t.Variant, t.Page)
}

func (t *ListTransaction) NewRequest(ctx context.Context, base *url.URL) (*http.Request, error) {
	t.ctx = ctx
	u := base.JoinPath("orders")
	q := u.Query()
	if t.Variant != "" {
		q.Set("variant", t.Variant)
	}
	q.Set("page", strconv.Itoa(t.Page))
	u.RawQuery = q.Encode()
	return http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
}

func (t *ListTransaction) Begin(*http.Response) error {
	t.buf.Reset()
	return nil
}

func (t *ListTransaction) Receive(p []byte) bool {
	t.buf.Write(p)
	return t.ctx.Err() == nil
}

func (t *ListTransaction) End() error {
	var list orderList
	if err := xml.Unmarshal(t.buf.Bytes(), &list); err != nil {
		return protocolError(t.Describe(), fmt.Errorf("failed to parse order list: %w", err))
	}
	t.Entries = list.Orders
	t.Pages = max(list.Pages, 1)
	return nil
}

// fileSink streams a response body into a file.
type fileSink struct {
	Path  string
	ctx   context.Context
	f     *os.File
	n     int64
	err   error
	onAdd func(total int64)
}

func (s *fileSink) begin() error {
	if s.f != nil {
		s.f.Close()
	}
	f, err := os.Create(s.Path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", s.Path, err)
	}
	s.f = f
	s.n = 0
	s.err = nil
	return nil
}

func (s *fileSink) receive(p []byte) bool {
	if _, err := s.f.Write(p); err != nil {
		s.err = fmt.Errorf("failed to write %s: %w", s.Path, err)
		return false
	}
	s.n += int64(len(p))
	if s.onAdd != nil {
		s.onAdd(s.n)
	}
	return s.ctx.Err() == nil
}

func (s *fileSink) end() error {
	if s.f == nil {
		return s.err
	}
	err := s.f.Close()
	s.f = nil
	if s.err != nil {
		return s.err
	}
	if err != nil {
		return fmt.Errorf("failed to close %s: %w", s.Path, err)
	}
	return nil
}

// MetadataTransaction downloads the order document into a temp file.
type MetadataTransaction struct {
	OrderID string
	fileSink
}

func NewMetadataTransaction(orderID, path string) *MetadataTransaction {
	return &MetadataTransaction{OrderID: orderID, fileSink: fileSink{Path: path}}
}

func (t *MetadataTransaction) Describe() string {
	return fmt.Sprintf("download metadata of order %s", t.OrderID)
}

func (t *MetadataTransaction) NewRequest(ctx context.Context, base *url.URL) (*http.Request, error) {
	t.ctx = ctx
	u := base.JoinPath("orders", t.OrderID)
	return http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
}

func (t *MetadataTransaction) Begin(*http.Response) error { return t.begin() }
func (t *MetadataTransaction) Receive(p []byte) bool      { return t.receive(p) }
func (t *MetadataTransaction) End() error                 { return t.end() }

// FileTransaction downloads one order file. URL may be absolute or relative
// to the server base.
type FileTransaction struct {
	URL string
	fileSink
	// Length is the Content-Length of the last attempt, or -1.
	Length int64
}

func NewFileTransaction(rawURL, path string, progress func(total int64)) *FileTransaction {
	return &FileTransaction{URL: rawURL, fileSink: fileSink{Path: path, onAdd: progress}, Length: -1}
}

func (t *FileTransaction) Describe() string {
	return fmt.Sprintf("download %s", t.URL)
}

func (t *FileTransaction) NewRequest(ctx context.Context, base *url.URL) (*http.Request, error) {
	t.ctx = ctx
	ref, err := url.Parse(t.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid file url %q: %w", t.URL, err)
	}
	return http.NewRequestWithContext(ctx, http.MethodGet, base.ResolveReference(ref).String(), nil)
}

func (t *FileTransaction) Begin(resp *http.Response) error {
	t.Length = resp.ContentLength
	return t.begin()
}

func (t *FileTransaction) Receive(p []byte) bool { return t.receive(p) }
func (t *FileTransaction) End() error            { return t.end() }

// Bytes returns how many bytes the last attempt wrote.
func (t *FileTransaction) Bytes() int64 {
	return t.n
}

// StatusTransaction tells the server the order was received locally.
type StatusTransaction struct {
	OrderID string
	Status  string
	ctx     context.Context
}

func (t *StatusTransaction) Describe() string {
	return fmt.Sprintf("report order %s %s", t.OrderID, t.Status)
}

func (t *StatusTransaction) NewRequest(ctx context.Context, base *url.URL) (*http.Request, error) {
	t.ctx = ctx
	u := base.JoinPath("orders", t.OrderID, "status")
	form := url.Values{"status": {t.Status}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req, nil
}

func (t *StatusTransaction) Begin(*http.Response) error { return nil }
func (t *StatusTransaction) Receive([]byte) bool        { return t.ctx.Err() == nil }
func (t *StatusTransaction) End() error                 { return nil }
