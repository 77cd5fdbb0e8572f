package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"feedformula/pkg/domain"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

type recordedRequest struct {
	Method string
	Path   string
	Query  string
	Auth   string
	Body   map[string]any
}

type fakeAPI struct {
	mu       sync.Mutex
	requests []recordedRequest
	routes   map[string]func(w http.ResponseWriter, r *http.Request)
}

func newFakeAPI(t *testing.T) (*fakeAPI, *Client) {
	t.Helper()
	api := &fakeAPI{routes: map[string]func(http.ResponseWriter, *http.Request){}}
	srv := httptest.NewServer(http.HandlerFunc(api.serve))
	t.Cleanup(srv.Close)
	client, err := New(Config{BaseURL: srv.URL + "/api/", Token: "secret", HTTPClient: srv.Client()})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return api, client
}

func (a *fakeAPI) handle(route string, fn func(w http.ResponseWriter, r *http.Request)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.routes[route] = fn
}

func (a *fakeAPI) serve(w http.ResponseWriter, r *http.Request) {
	rec := recordedRequest{Method: r.Method, Path: r.URL.Path, Query: r.URL.RawQuery, Auth: r.Header.Get("Authorization")}
	if r.Body != nil {
		raw, _ := io.ReadAll(r.Body)
		if len(raw) > 0 {
			_ = json.Unmarshal(raw, &rec.Body)
		}
	}
	a.mu.Lock()
	a.requests = append(a.requests, rec)
	fn, ok := a.routes[r.Method+" "+strings.TrimPrefix(r.URL.Path, "/api")]
	a.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	fn(w, r)
}

func (a *fakeAPI) last() recordedRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.requests[len(a.requests)-1]
}

func respond(body string) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, body)
	}
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestListProductsDecodesCatalog(t *testing.T) {
	api, client := newFakeAPI(t)
	api.handle("GET /productos/", respond(`[
		{"id": 1, "nombre": " Maiz ", "precio_kilo": "0.85", "categoria_nombre": "Granos", "activo": true},
		{"id": 2, "nombre": "Harina de pescado", "precio_kilo": 2.1, "activo": false},
		{"id": 3, "nombre": "Soya", "precio_kilo": "1.20"}
	]`))
	products, err := client.ListProducts(context.Background())
	if err != nil {
		t.Fatalf("list products: %v", err)
	}
	if len(products) != 3 {
		t.Fatalf("expected three products, got %d", len(products))
	}
	if products[0].Name != "Maiz" || !products[0].PricePerKilo.Equal(dec("0.85")) || products[0].Category != "Granos" {
		t.Fatalf("unexpected first product %+v", products[0])
	}
	if products[1].Active || !products[2].Active {
		t.Fatalf("expected activo to default to true when absent, got %+v", products)
	}
	if got := api.last().Auth; got != "Bearer secret" {
		t.Fatalf("expected bearer token, got %q", got)
	}
}

func TestListLinesResolvesLooseShapes(t *testing.T) {
	api, client := newFakeAPI(t)
	api.handle("GET /recetas/detalles/", respond(`[
		{"id": 10, "producto": "Maiz", "etapa_id": 1, "porcentaje_tonelada": "60.00", "costo_sin_iva": "510.00", "costo_con_iva": "606.90", "kilogramos_personalizados": null},
		{"id": 11, "producto": 2, "etapa": 1, "porcentaje_tonelada": 30, "costo_sin_iva": 360, "costo_con_iva": 428.4, "kilogramos_personalizados": 250},
		{"id": 12, "producto": {"id": 3, "nombre": "Afrecho"}, "etapa_id": 2, "porcentaje_tonelada": "10", "costo_sin_iva": "40", "costo_con_iva": "47.6"}
	]`))
	lines, err := client.ListLines(context.Background(), 1)
	if err != nil {
		t.Fatalf("list lines: %v", err)
	}
	if len(lines) != 2 {
		t.Fatalf("expected stage filter to keep two lines, got %d", len(lines))
	}
	if lines[0].ProductID != 0 || lines[0].ProductName != "Maiz" || lines[0].CustomKilograms != nil {
		t.Fatalf("expected name-only product reference, got %+v", lines[0])
	}
	if lines[1].ProductID != 2 || lines[1].StageID != 1 || lines[1].CustomKilograms == nil || !lines[1].CustomKilograms.Equal(dec("250")) {
		t.Fatalf("unexpected second line %+v", lines[1])
	}

	all, err := client.ListLines(context.Background(), domain.AllStages)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 || all[2].ProductID != 3 || all[2].ProductName != "Afrecho" {
		t.Fatalf("unexpected unfiltered lines %+v", all)
	}
}

func TestCreatePatchDelete(t *testing.T) {
	api, client := newFakeAPI(t)
	ctx := context.Background()
	api.handle("POST /recetas/", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"id": 21, "etapa": 4, "producto": 1, "porcentaje_tonelada": "12.50", "costo_sin_iva": "106.25", "costo_con_iva": "126.44"}`)
	})
	line, err := client.CreateLine(ctx, domain.LineDraft{StageID: 4, ProductID: 1, Percentage: dec("12.5")})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if line.ID != 21 || line.StageID != 4 || line.ProductID != 1 || !line.CostWithTax.Equal(dec("126.44")) {
		t.Fatalf("unexpected created line %+v", line)
	}
	body := api.last().Body
	if body["etapa"] != float64(4) || body["producto"] != float64(1) || body["porcentaje_tonelada"] != 12.5 {
		t.Fatalf("unexpected create payload %v", body)
	}

	api.handle("PATCH /recetas/21/", respond(`{"id": 21, "porcentaje_tonelada": "15.00", "costo_sin_iva": "127.50", "costo_con_iva": "151.73"}`))
	patched, err := client.PatchLine(ctx, 21, domain.LinePatch{Percentage: dec("15")})
	if err != nil {
		t.Fatalf("patch: %v", err)
	}
	if !patched.Percentage.Equal(dec("15")) || !patched.CostWithoutTax.Equal(dec("127.5")) {
		t.Fatalf("unexpected patched line %+v", patched)
	}
	if got := api.last().Body["porcentaje_tonelada"]; got != float64(15) {
		t.Fatalf("unexpected patch payload %v", got)
	}

	api.handle("DELETE /recetas/21/", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	if err := client.DeleteLine(ctx, 21); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := client.DeleteLine(ctx, 22); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found for unknown line, got %v", err)
	}
}

func TestErrorMapping(t *testing.T) {
	api, client := newFakeAPI(t)
	ctx := context.Background()
	api.handle("POST /recetas/", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"porcentaje_tonelada": ["La suma supera el 100%"], "producto": ["Ya existe"]}`)
	})
	_, err := client.CreateLine(ctx, domain.LineDraft{StageID: 1, ProductID: 1, Percentage: dec("50")})
	var verr domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if verr.Message != "porcentaje_tonelada: La suma supera el 100%; producto: Ya existe" {
		t.Fatalf("unexpected validation message %q", verr.Message)
	}

	api.handle("GET /productos/", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	})
	_, err = client.ListProducts(ctx)
	var status *StatusError
	if !errors.As(err, &status) || status.Status != http.StatusBadGateway || status.Body != "boom" {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestQuerySnapshotsSendsInclusiveDates(t *testing.T) {
	api, client := newFakeAPI(t)
	api.handle("GET /historico/recetas/", respond(`[
		{"id": 1, "historico_receta_id": 5, "producto_modificado": {"producto_id": 1, "producto_nombre": "Maiz"}, "porcentaje_total_anterior": null, "porcentaje_total_actual": "60", "fecha_creacion": "2024-07-03T09:15:00Z"},
		{"id": 2, "historico_receta_id": 6, "producto_modificado": null, "porcentaje_total_anterior": "60", "porcentaje_total_actual": "55", "fecha_creacion": "2024-07-03T10:00:00"},
		{"id": 3, "historico_receta_id": 7, "producto_modificado": {"producto_id": 2, "producto_nombre": "Soya"}, "porcentaje_total_anterior": "20", "porcentaje_total_actual": "25", "fecha_creacion": "2024-07-05T00:00:00Z"}
	]`))
	from := time.Date(2024, 7, 3, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, 7, 5, 0, 0, 0, 0, time.UTC)
	records, err := client.QuerySnapshots(context.Background(), 2, from, to)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if q := api.last().Query; q != "etapa_id=2&fecha_fin=2024-07-04&fecha_inicio=2024-07-03" {
		t.Fatalf("unexpected query %q", q)
	}
	if len(records) != 2 {
		t.Fatalf("expected the record at the exclusive end dropped, got %d", len(records))
	}
	if !records[0].Introduced() || records[0].SnapshotID != 5 || records[0].ModifiedProduct.Name != "Maiz" {
		t.Fatalf("unexpected first record %+v", records[0])
	}
	if records[1].ModifiedProduct != nil || records[1].PercentageBefore == nil {
		t.Fatalf("expected unidentified record passed through, got %+v", records[1])
	}

	if got, err := client.QuerySnapshots(context.Background(), 2, to, from); err != nil || got != nil {
		t.Fatalf("expected empty result for an empty range, got %v %v", got, err)
	}
}

func TestSnapshotDetailAndRestore(t *testing.T) {
	api, client := newFakeAPI(t)
	ctx := context.Background()
	api.handle("GET /historico/receta/7/", respond(`{
		"receta_id": 7, "etapa": "Ponedora Inicial", "fecha_actualizacion": "2024-07-03T10:00:00-04:00",
		"ingredientes": [
			{"producto_id": 1, "producto_nombre": "Maiz", "porcentaje_tonelada": "60", "kilogramos": null, "costo_sin_iva": "510", "costo_con_iva": "606.9"},
			{"producto_id": 2, "producto_nombre": "Soya", "porcentaje_tonelada": "30", "kilogramos": 300, "costo_sin_iva": "360", "costo_con_iva": "428.4"}
		],
		"porcentaje_total": "90"
	}`))
	snap, err := client.FetchSnapshotDetail(ctx, 7)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if snap.StageID != 0 || snap.StageName != "Ponedora Inicial" {
		t.Fatalf("expected stage named but not identified, got %+v", snap)
	}
	if len(snap.Ingredients) != 2 || snap.Ingredients[0].Kilograms != nil || !snap.Ingredients[1].Kilograms.Equal(dec("300")) {
		t.Fatalf("unexpected ingredients %+v", snap.Ingredients)
	}
	if !snap.CapturedAt.Equal(time.Date(2024, 7, 3, 14, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected capture time %s", snap.CapturedAt)
	}
	if _, err := client.FetchSnapshotDetail(ctx, 8); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	api.handle("POST /recetas/restaurar/", respond(`{"detail": "ok"}`))
	if err := client.RestoreSnapshot(ctx, 7); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if got := api.last().Body["historico_receta_id"]; got != float64(7) {
		t.Fatalf("unexpected restore payload %v", api.last().Body)
	}
}

func TestDownloadExport(t *testing.T) {
	api, client := newFakeAPI(t)
	const xlsx = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	api.handle("GET /export/datos/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", xlsx)
		_, _ = io.WriteString(w, "PK\x03\x04sheet")
	})
	body, contentType, err := client.DownloadExport(context.Background())
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	defer body.Close()
	raw, _ := io.ReadAll(body)
	if contentType != xlsx || string(raw) != "PK\x03\x04sheet" {
		t.Fatalf("unexpected download %q %q", contentType, raw)
	}

	api.handle("GET /export/datos/", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	if _, _, err := client.DownloadExport(context.Background()); !errors.Is(err, ErrEmptyExport) {
		t.Fatalf("expected empty export error, got %v", err)
	}
}
