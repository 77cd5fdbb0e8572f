// Package httpapi talks to the remote recipe API over HTTP/JSON. It implements
// the catalog, recipe and history ports and downloads the server-side export.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"feedformula/pkg/domain"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

var (
	_ domain.Catalog        = (*Client)(nil)
	_ domain.RecipeBackend  = (*Client)(nil)
	_ domain.HistoryService = (*Client)(nil)
)

// DefaultBaseURL is the API root used when none is configured.
const DefaultBaseURL = "http://127.0.0.1:8000/api"

const defaultTimeout = 30 * time.Second

// Config configures a Client.
type Config struct {
	// BaseURL is the API root, e.g. https://feed.example.com/api.
	BaseURL string
	// Token is sent as a bearer token when set.
	Token string
	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client
	Timeout    time.Duration
}

// Client is the HTTP implementation of the remote collaborators.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New constructs a client from cfg.
func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("httpapi: parse base url: %w", err)
	}
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = defaultTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{baseURL: base, token: cfg.Token, http: hc}, nil
}

// StatusError is returned for non-2xx responses that do not map to a domain error.
type StatusError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("httpapi: %s %s: status %d: %s", e.Method, e.Path, e.Status, e.Body)
}

// notFound describes the record a 404 on a request refers to.
type notFound struct {
	entity domain.EntityType
	id     any
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("httpapi: marshal %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(raw)
	}
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("httpapi: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// do sends a request and decodes a JSON response into out when out is non-nil.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any, nf *notFound) error {
	req, err := c.newRequest(ctx, method, path, query, body)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("httpapi: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, method, path, nf); err != nil {
		return err
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("httpapi: decode %s %s: %w", method, path, err)
	}
	return nil
}

const maxErrorBody = 4 << 10

func checkStatus(resp *http.Response, method, path string, nf *notFound) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	body := strings.TrimSpace(string(raw))
	switch {
	case resp.StatusCode == http.StatusNotFound && nf != nil:
		return domain.NotFoundError{Entity: nf.entity, ID: nf.id}
	case resp.StatusCode == http.StatusBadRequest:
		return domain.ValidationError{Message: validationMessage(raw, body)}
	}
	return &StatusError{Method: method, Path: path, Status: resp.StatusCode, Body: body}
}

// validationMessage flattens a {"field": ["msg"]} or {"detail": "msg"} body.
func validationMessage(raw []byte, fallback string) string {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil || len(fields) == 0 {
		return fallback
	}
	if detail, ok := fields["detail"].(string); ok {
		return detail
	}
	parts := make([]string, 0, len(fields))
	for field, v := range fields {
		switch msg := v.(type) {
		case string:
			parts = append(parts, field+": "+msg)
		case []any:
			for _, m := range msg {
				parts = append(parts, fmt.Sprintf("%s: %v", field, m))
			}
		}
	}
	if len(parts) == 0 {
		return fallback
	}
	sort.Strings(parts)
	return strings.Join(parts, "; ")
}

// ListProducts implements domain.Catalog.
func (c *Client) ListProducts(ctx context.Context) ([]domain.Product, error) {
	var wire []productWire
	if err := c.do(ctx, http.MethodGet, "/productos/", nil, nil, &wire, nil); err != nil {
		return nil, err
	}
	out := make([]domain.Product, 0, len(wire))
	for _, p := range wire {
		out = append(out, p.toDomain())
	}
	return out, nil
}

// ListLines implements domain.RecipeBackend. The API only lists every line;
// the stage filter is applied here.
func (c *Client) ListLines(ctx context.Context, stage domain.StageID) ([]domain.RecipeLine, error) {
	var wire []lineWire
	if err := c.do(ctx, http.MethodGet, "/recetas/detalles/", nil, nil, &wire, nil); err != nil {
		return nil, err
	}
	out := make([]domain.RecipeLine, 0, len(wire))
	for _, l := range wire {
		line := l.toDomain()
		if stage != domain.AllStages && line.StageID != stage {
			continue
		}
		out = append(out, line)
	}
	return out, nil
}

// CreateLine implements domain.RecipeBackend.
func (c *Client) CreateLine(ctx context.Context, draft domain.LineDraft) (domain.RecipeLine, error) {
	body := createLineWire{Stage: draft.StageID, Product: draft.ProductID, Percentage: draft.Percentage}
	var wire lineWire
	if err := c.do(ctx, http.MethodPost, "/recetas/", nil, body, &wire, nil); err != nil {
		return domain.RecipeLine{}, err
	}
	line := wire.toDomain()
	if line.StageID == 0 {
		line.StageID = draft.StageID
	}
	if line.ProductID == 0 {
		line.ProductID = draft.ProductID
	}
	return line, nil
}

// PatchLine implements domain.RecipeBackend.
func (c *Client) PatchLine(ctx context.Context, id domain.LineID, patch domain.LinePatch) (domain.RecipeLine, error) {
	body := patchLineWire{Percentage: patch.Percentage}
	var wire lineWire
	nf := &notFound{entity: domain.EntityRecipeLine, id: id}
	if err := c.do(ctx, http.MethodPatch, fmt.Sprintf("/recetas/%d/", id), nil, body, &wire, nf); err != nil {
		return domain.RecipeLine{}, err
	}
	line := wire.toDomain()
	if line.ID == 0 {
		line.ID = id
	}
	return line, nil
}

// DeleteLine implements domain.RecipeBackend.
func (c *Client) DeleteLine(ctx context.Context, id domain.LineID) error {
	nf := &notFound{entity: domain.EntityRecipeLine, id: id}
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/recetas/%d/", id), nil, nil, nil, nf)
}

const dateLayout = "2006-01-02"

// QuerySnapshots implements domain.HistoryService. The API filters by
// inclusive calendar dates; records outside [from, to) are dropped here.
func (c *Client) QuerySnapshots(ctx context.Context, stage domain.StageID, from, to time.Time) ([]domain.IngredientChangeRecord, error) {
	if !from.Before(to) {
		return nil, nil
	}
	q := url.Values{}
	q.Set("fecha_inicio", from.Format(dateLayout))
	q.Set("fecha_fin", to.Add(-time.Nanosecond).Format(dateLayout))
	q.Set("etapa_id", fmt.Sprint(int(stage)))
	var wire []changeWire
	if err := c.do(ctx, http.MethodGet, "/historico/recetas/", q, nil, &wire, nil); err != nil {
		return nil, err
	}
	out := make([]domain.IngredientChangeRecord, 0, len(wire))
	for _, w := range wire {
		rec := w.toDomain()
		if !rec.CreatedAt.IsZero() && (rec.CreatedAt.Before(from) || !rec.CreatedAt.Before(to)) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// FetchSnapshotDetail implements domain.HistoryService. The API names the
// stage but does not return its ID.
func (c *Client) FetchSnapshotDetail(ctx context.Context, id domain.SnapshotID) (domain.HistoricalSnapshot, error) {
	var wire snapshotWire
	nf := &notFound{entity: domain.EntitySnapshot, id: id}
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/historico/receta/%d/", id), nil, nil, &wire, nf); err != nil {
		return domain.HistoricalSnapshot{}, err
	}
	snap := wire.toDomain()
	if snap.ID == 0 {
		snap.ID = id
	}
	return snap, nil
}

// RestoreSnapshot implements domain.HistoryService.
func (c *Client) RestoreSnapshot(ctx context.Context, id domain.SnapshotID) error {
	nf := &notFound{entity: domain.EntitySnapshot, id: id}
	return c.do(ctx, http.MethodPost, "/recetas/restaurar/", nil, restoreWire{SnapshotID: id}, nil, nf)
}

// ErrEmptyExport is returned when the export endpoint answers with no content.
var ErrEmptyExport = errors.New("httpapi: export returned no content")

// DownloadExport fetches the server-rendered spreadsheet of every recipe. The
// caller closes the returned body.
func (c *Client) DownloadExport(ctx context.Context) (io.ReadCloser, string, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/export/datos/", nil, nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Accept", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet, */*")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("httpapi: GET /export/datos/: %w", err)
	}
	if err := checkStatus(resp, http.MethodGet, "/export/datos/", nil); err != nil {
		resp.Body.Close()
		return nil, "", err
	}
	if resp.StatusCode == http.StatusNoContent {
		resp.Body.Close()
		return nil, "", ErrEmptyExport
	}
	return resp.Body, resp.Header.Get("Content-Type"), nil
}
