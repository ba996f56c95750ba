package remote

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/orrn/labsync/internal/model"
)

type xmlOrder struct {
	XMLName xml.Name  `xml:"order"`
	ID      string    `xml:"id,attr"`
	Date    string    `xml:"date,attr"`
	Variant string    `xml:"variant,attr"`
	Items   []xmlItem `xml:"item"`
	Files   []xmlFile `xml:"file"`
}

type xmlItem struct {
	Filename string     `xml:"filename,attr"`
	SKU      string     `xml:"sku,attr"`
	Quantity int        `xml:"quantity,attr"`
	Sequence bool       `xml:"sequence,attr"`
	Images   []xmlImage `xml:"image"`
}

type xmlImage struct {
	Filename string `xml:"filename,attr"`
}

type xmlFile struct {
	Filename string `xml:"filename,attr"`
	URL      string `xml:"url,attr"`
	Size     int64  `xml:"size,attr"`
}

// ParseOrder decodes an order document. Every item file must be listed as a
// downloadable file.
func ParseOrder(r io.Reader) (*model.Order, error) {
	var doc xmlOrder
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode order document: %w", err)
	}
	if doc.ID == "" {
		return nil, errors.New("order document has no id")
	}
	if !ValidOrderID(doc.ID) {
		return nil, fmt.Errorf("invalid order id %q", doc.ID)
	}

	o := &model.Order{OrderID: doc.ID, Variant: doc.Variant}
	if doc.Date != "" {
		t, err := time.Parse(time.RFC3339, doc.Date)
		if err != nil {
			return nil, fmt.Errorf("invalid order date %q: %w", doc.Date, err)
		}
		o.OrderDate = t
	}

	for _, f := range doc.Files {
		if f.Filename == "" {
			return nil, errors.New("order file without filename")
		}
		if !localName(f.Filename) {
			return nil, fmt.Errorf("order file %q escapes the order directory", f.Filename)
		}
		o.Files = append(o.Files, model.OrderFile{
			Filename:    f.Filename,
			DownloadURL: f.URL,
			Size:        f.Size,
		})
	}

	seen := make(map[model.ItemKey]bool)
	for _, x := range doc.Items {
		if x.SKU == "" {
			return nil, errors.New("order item without sku")
		}
		if x.Quantity <= 0 {
			return nil, fmt.Errorf("item %s/%s has quantity %d", x.Filename, x.SKU, x.Quantity)
		}
		if x.Filename != "" && !localName(x.Filename) {
			return nil, fmt.Errorf("item %s file %q escapes the order directory", x.SKU, x.Filename)
		}
		it := model.Item{Filename: x.Filename, SKU: x.SKU, Quantity: x.Quantity, Sequence: x.Sequence}
		if len(x.Images) > 0 {
			it.Multi = true
			for _, img := range x.Images {
				if !localName(img.Filename) {
					return nil, fmt.Errorf("item %s image %q escapes the order directory", x.SKU, img.Filename)
				}
				it.Filenames = append(it.Filenames, img.Filename)
			}
		}
		if seen[it.Key()] {
			return nil, fmt.Errorf("duplicate item %s/%s", it.Filename, it.SKU)
		}
		seen[it.Key()] = true
		for _, name := range it.ItemFiles() {
			if o.FindFile(name) < 0 {
				return nil, fmt.Errorf("item %s references unknown file %s", it.SKU, name)
			}
		}
		o.Items = append(o.Items, it)
	}
	if len(o.Items) == 0 {
		return nil, errors.New("order document has no items")
	}
	return o, nil
}

// ValidOrderID reports whether id names a single directory below the
// download root.
func ValidOrderID(id string) bool {
	return id != "." && filepath.IsLocal(id) && !strings.ContainsAny(id, `/\`)
}

// localName reports whether name resolves inside the directory it is joined
// to. Subdirectories are allowed.
func localName(name string) bool {
	return filepath.IsLocal(name) && filepath.Clean(name) != "."
}

func ParseOrderFile(path string) (*model.Order, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open order document: %w", err)
	}
	defer f.Close()
	return ParseOrder(f)
}
