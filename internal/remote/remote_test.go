package remote

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orrn/labsync/internal/config"
	"github.com/orrn/labsync/internal/model"
	"github.com/orrn/labsync/internal/regulate"
)

type countingMeter struct{ n atomic.Int64 }

func (m *countingMeter) Transferred(n int64) { m.n.Add(n) }

func newTestHandler(t *testing.T, srv *httptest.Server) (*Handler, *countingMeter) {
	t.Helper()
	meter := &countingMeter{}
	h, err := NewHandler(config.RemoteConfig{BaseURL: srv.URL, User: "lab", Password: "secret", RetryInitial: time.Millisecond},
		meter, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return h, meter
}

func noWait(context.Context, time.Duration) bool { return true }

func TestListTransaction(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "lab" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.Equal(t, "/orders", r.URL.Path)
		assert.Equal(t, "pro", r.URL.Query().Get("variant"))
		fmt.Fprint(w, `<orders page="1" pages="2"><order id="1001" last_updated="2024-01-01"/><order id="1002" last_updated="x"/></orders>`)
	}))
	defer srv.Close()

	h, meter := newTestHandler(t, srv)
	tx := &ListTransaction{Variant: "pro", Page: 1}
	require.NoError(t, h.Run(context.Background(), tx, noWait))

	require.Len(t, tx.Entries, 2)
	assert.Equal(t, ListEntry{OrderID: "1001", LastUpdated: "2024-01-01"}, tx.Entries[0])
	assert.Equal(t, 2, tx.Pages)
	assert.Positive(t, meter.n.Load())
}

func TestRunRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `<orders/>`)
	}))
	defer srv.Close()

	h, _ := newTestHandler(t, srv)
	var pauses int
	pause := func(context.Context, time.Duration) bool { pauses++; return true }
	require.NoError(t, h.Run(context.Background(), &ListTransaction{Page: 1}, pause))
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 2, pauses)
}

func TestRunStopsWhenPauseDeclines(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	h, _ := newTestHandler(t, srv)
	err := h.Run(context.Background(), &ListTransaction{Page: 1}, func(context.Context, time.Duration) bool { return false })
	assert.Equal(t, CategoryServer, CategoryOf(err))
}

func TestRunCategorizesAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	h, _ := newTestHandler(t, srv)
	var pauses int
	err := h.Run(context.Background(), &ListTransaction{Page: 1}, func(context.Context, time.Duration) bool { pauses++; return true })

	var re *Error
	require.True(t, errors.As(err, &re))
	assert.Equal(t, CategoryAuth, re.Category)
	assert.Equal(t, http.StatusForbidden, re.StatusCode)
	assert.False(t, re.Retryable())
	assert.Zero(t, pauses)
}

func TestFileTransactionStopping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", 1024)))
	}))
	defer srv.Close()

	h, _ := newTestHandler(t, srv)
	path := filepath.Join(t.TempDir(), "a.jpg")

	tx := NewFileTransaction("/files/a.jpg", path, nil)
	require.NoError(t, h.Run(context.Background(), tx, nil))
	assert.Equal(t, int64(1024), tx.Bytes())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, data, 1024)

	ctx, cancel := context.WithCancel(context.Background())
	tx = NewFileTransaction("/files/a.jpg", path, func(int64) { cancel() })
	err = h.Run(ctx, tx, nil)
	assert.ErrorIs(t, err, regulate.ErrStopping)
}

func TestParseOrder(t *testing.T) {
	doc := `<order id="1001" date="2024-01-02T10:00:00Z" variant="pro">
	<item filename="a.jpg" sku="4x6" quantity="2"/>
	<item sku="BOOK" quantity="1"><image filename="b.jpg"/><image filename="c.jpg"/></item>
	<file filename="a.jpg" url="/files/a.jpg" size="100"/>
	<file filename="b.jpg" url="local://render/b"/>
	<file filename="c.jpg" url="/files/c.jpg"/>
</order>`
	o, err := ParseOrder(strings.NewReader(doc))
	require.NoError(t, err)
	assert.Equal(t, "1001", o.OrderID)
	assert.Equal(t, time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC), o.OrderDate)
	require.Len(t, o.Items, 2)
	assert.True(t, o.Items[1].Multi)
	assert.Equal(t, []string{"b.jpg", "c.jpg"}, o.Items[1].Filenames)
	require.Len(t, o.Files, 3)
	assert.Equal(t, model.FilePending, o.Files[0].Status)
	assert.True(t, IsLocal(o.Files[1].DownloadURL))
}

func TestParseOrderRejectsBadDocuments(t *testing.T) {
	bad := []string{
		`<order id="1"><item filename="a.jpg" sku="4x6" quantity="1"/></order>`,
		`<order><item filename="a.jpg" sku="4x6" quantity="1"/><file filename="a.jpg"/></order>`,
		`<order id="1"><item filename="a.jpg" sku="4x6" quantity="0"/><file filename="a.jpg"/></order>`,
		`<order id="1"><item filename="a.jpg" sku="4x6" quantity="1"/><file filename="a.jpg"/>`,
		`<order id="1"></order>`,
	}
	for _, doc := range bad {
		_, err := ParseOrder(strings.NewReader(doc))
		assert.Error(t, err, doc)
	}
}

func TestParseOrderRejectsEscapingNames(t *testing.T) {
	bad := map[string]string{
		"file parent":    `<order id="1"><item filename="a.jpg" sku="4x6" quantity="1"/><file filename="../../escaped.jpg"/><file filename="a.jpg"/></order>`,
		"file absolute":  `<order id="1"><item filename="/etc/a.jpg" sku="4x6" quantity="1"/><file filename="/etc/a.jpg"/></order>`,
		"item parent":    `<order id="1"><item filename="../a.jpg" sku="4x6" quantity="1"/><file filename="a.jpg"/></order>`,
		"image parent":   `<order id="1"><item sku="BOOK" quantity="1"><image filename="x/../../b.jpg"/></item><file filename="b.jpg"/></order>`,
		"file dot":       `<order id="1"><item filename="a.jpg" sku="4x6" quantity="1"/><file filename="."/><file filename="a.jpg"/></order>`,
		"order id slash": `<order id="../1"><item filename="a.jpg" sku="4x6" quantity="1"/><file filename="a.jpg"/></order>`,
	}
	for name, doc := range bad {
		t.Run(name, func(t *testing.T) {
			_, err := ParseOrder(strings.NewReader(doc))
			assert.Error(t, err)
		})
	}

	o, err := ParseOrder(strings.NewReader(`<order id="1"><item filename="sub/a.jpg" sku="4x6" quantity="1"/><file filename="sub/a.jpg"/></order>`))
	require.NoError(t, err)
	assert.Equal(t, "sub/a.jpg", o.Files[0].Filename)
}

func TestValidOrderID(t *testing.T) {
	for _, id := range []string{"1001", "A-17_b", "x.y"} {
		assert.True(t, ValidOrderID(id), id)
	}
	for _, id := range []string{"", ".", "..", "../1001", "a/b", `a\b`, "/1001"} {
		assert.False(t, ValidOrderID(id), id)
	}
}

func TestLocalSource(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			line, _ := bufio.NewReader(conn).ReadString('\n')
			fields := strings.Fields(line)
			if len(fields) == 3 && fields[1] == "render/b" {
				fmt.Fprintf(conn, "OK 2048\n")
			} else {
				fmt.Fprintf(conn, "ERR unknown reference\n")
			}
			conn.Close()
		}
	}()

	src := &LocalSource{Address: ln.Addr().String(), Timeout: time.Second}
	n, err := src.Render(context.Background(), "local://render/b", "/tmp/b.jpg")
	require.NoError(t, err)
	assert.Equal(t, int64(2048), n)

	_, err = src.Render(context.Background(), "local://render/zzz", "/tmp/z.jpg")
	assert.Equal(t, CategoryServer, CategoryOf(err))

	var none *LocalSource
	_, err = none.Render(context.Background(), "local://x", "/tmp/x")
	assert.ErrorIs(t, err, ErrLocalUnavailable)
}
