// Package export renders recipe snapshots into artifacts kept in a blob store.
package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"feedformula/internal/blob"
	"feedformula/pkg/domain"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	DefaultPrefix   = "exports"
	ContentTypeCSV  = "text/csv; charset=utf-8"
	ContentTypeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

var (
	_ domain.Exporter = (*CSVExporter)(nil)
	_ domain.Exporter = (*RemoteExporter)(nil)
)

// Option customises an exporter.
type Option func(*sink)

// WithPrefix stores artifacts under prefix instead of DefaultPrefix.
func WithPrefix(prefix string) Option {
	return func(s *sink) { s.prefix = strings.Trim(prefix, "/") }
}

// WithURLExpiry sets the lifetime of presigned download links.
func WithURLExpiry(d time.Duration) Option {
	return func(s *sink) { s.expiry = d }
}

// WithIDs overrides artifact ID generation.
func WithIDs(fn func() uuid.UUID) Option {
	return func(s *sink) { s.newID = fn }
}

// sink writes artifacts to the blob store and resolves their download URL.
type sink struct {
	store  blob.Store
	prefix string
	expiry time.Duration
	newID  func() uuid.UUID
}

func newSink(store blob.Store, opts []Option) sink {
	s := sink{store: store, prefix: DefaultPrefix, newID: uuid.New}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

func (s sink) key(at time.Time, ext string) string {
	name := at.UTC().Format("20060102T150405Z") + "-" + s.newID().String() + ext
	if s.prefix == "" {
		return name
	}
	return s.prefix + "/" + name
}

func (s sink) save(ctx context.Context, key string, body []byte, contentType string, meta map[string]string) (domain.ExportArtifact, error) {
	if s.store == nil {
		return domain.ExportArtifact{}, errors.New("export: no blob store configured")
	}
	info, err := s.store.Put(ctx, key, bytes.NewReader(body), blob.PutOptions{ContentType: contentType, Metadata: meta})
	if err != nil {
		return domain.ExportArtifact{}, fmt.Errorf("export: store %s: %w", key, err)
	}
	link, err := s.store.PresignURL(ctx, info.Key, blob.SignedURLOptions{Expiry: s.expiry})
	switch {
	case errors.Is(err, blob.ErrUnsupported):
		link = info.URL
	case err != nil:
		return domain.ExportArtifact{}, fmt.Errorf("export: link %s: %w", key, err)
	}
	return domain.ExportArtifact{
		Key:         info.Key,
		ContentType: contentType,
		SizeBytes:   info.Size,
		URL:         link,
		CreatedAt:   info.LastModified,
	}, nil
}

// CSVExporter writes one row per recipe line plus a totals row per stage.
type CSVExporter struct {
	sink
}

// NewCSVExporter returns an exporter that keeps CSV files in store.
func NewCSVExporter(store blob.Store, opts ...Option) *CSVExporter {
	return &CSVExporter{sink: newSink(store, opts)}
}

// Header is the CSV column layout.
var Header = []string{
	"stage_id", "stage", "product_id", "product", "percentage",
	"kilograms", "custom_kilograms", "cost_without_tax", "cost_with_tax",
}

// TotalLabel marks a stage totals row in the product column.
const TotalLabel = "TOTAL"

// Export implements domain.Exporter.
func (e *CSVExporter) Export(ctx context.Context, snapshot domain.ExportSnapshot) (domain.ExportArtifact, error) {
	body, err := RenderCSV(snapshot)
	if err != nil {
		return domain.ExportArtifact{}, err
	}
	meta := map[string]string{
		"captured_at": snapshot.CapturedAt.UTC().Format(time.RFC3339),
		"stages":      strconv.Itoa(len(snapshot.Stages)),
	}
	return e.save(ctx, e.key(snapshot.CapturedAt, ".csv"), body, ContentTypeCSV, meta)
}

// RenderCSV encodes snapshot. Stages without lines still get a totals row.
func RenderCSV(snapshot domain.ExportSnapshot) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(Header); err != nil {
		return nil, err
	}
	for _, sc := range snapshot.Stages {
		stageID := strconv.Itoa(int(sc.Stage.ID))
		for _, l := range sc.Lines {
			row := []string{
				stageID, sc.Stage.Name,
				strconv.FormatInt(int64(l.ProductID), 10), l.ProductName,
				fixed(l.Percentage), fixed(l.Kilograms()), optional(l.CustomKilograms),
				fixed(l.CostWithoutTax), fixed(l.CostWithTax),
			}
			if err := w.Write(row); err != nil {
				return nil, err
			}
		}
		t := sc.Totals
		row := []string{
			stageID, sc.Stage.Name, "", TotalLabel,
			fixed(t.TotalPercentage), fixed(t.TotalKilograms), fixed(t.TotalCustomKilograms),
			fixed(t.TotalCostWithoutTax), fixed(t.TotalCostWithTax),
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("export: encode csv: %w", err)
	}
	return buf.Bytes(), nil
}

func fixed(d decimal.Decimal) string { return d.StringFixed(2) }

func optional(d *decimal.Decimal) string {
	if d == nil {
		return ""
	}
	return fixed(*d)
}

// Downloader fetches the spreadsheet the remote API renders.
type Downloader interface {
	DownloadExport(ctx context.Context) (io.ReadCloser, string, error)
}

// RemoteExporter archives the server-rendered spreadsheet. The snapshot only
// gates the export and stamps the artifact; the content is the server's.
type RemoteExporter struct {
	sink
	remote Downloader
}

// NewRemoteExporter returns an exporter that copies remote downloads into store.
func NewRemoteExporter(remote Downloader, store blob.Store, opts ...Option) *RemoteExporter {
	return &RemoteExporter{sink: newSink(store, opts), remote: remote}
}

// Export implements domain.Exporter.
func (e *RemoteExporter) Export(ctx context.Context, snapshot domain.ExportSnapshot) (domain.ExportArtifact, error) {
	rc, contentType, err := e.remote.DownloadExport(ctx)
	if err != nil {
		return domain.ExportArtifact{}, err
	}
	defer rc.Close()
	body, err := io.ReadAll(rc)
	if err != nil {
		return domain.ExportArtifact{}, fmt.Errorf("export: read download: %w", err)
	}
	if ct, _, _ := strings.Cut(contentType, ";"); strings.TrimSpace(ct) == "" || strings.TrimSpace(ct) == "application/octet-stream" {
		contentType = ContentTypeXLSX
	}
	meta := map[string]string{
		"captured_at": snapshot.CapturedAt.UTC().Format(time.RFC3339),
		"source":      "remote",
	}
	return e.save(ctx, e.key(snapshot.CapturedAt, ".xlsx"), body, contentType, meta)
}
