package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/gin-gonic/gin"

	appconfig "shopflow/config"
	"shopflow/chart"
	"shopflow/internal/channel"
	"shopflow/models"
	"shopflow/registry"
	"shopflow/sink"
)

// fakeStore answers both the chart row reads and the note store calls.
type fakeStore struct {
	rowsByTable map[string][]models.Record
	selectErr   error
	noteRows    []models.Record
	upserts     []models.Record
}

func (f *fakeStore) Select(_ context.Context, table, _, _ string) ([]models.Record, error) {
	if f.selectErr != nil {
		return nil, f.selectErr
	}
	return f.rowsByTable[table], nil
}

func (f *fakeStore) SelectWhere(_ context.Context, _ string, _ url.Values) ([]models.Record, error) {
	return f.noteRows, nil
}

func (f *fakeStore) Upsert(_ context.Context, _ string, record models.Record, _ []string) error {
	f.upserts = append(f.upserts, record)
	return nil
}

type fakeSinkControl struct {
	minutes int
	allowed []int
}

func (f *fakeSinkControl) ThrottleMinutes() int { return f.minutes }

func (f *fakeSinkControl) SetThrottleMinutes(minutes int) error {
	for _, m := range f.allowed {
		if m == minutes {
			f.minutes = minutes
			return nil
		}
	}
	return fmt.Errorf("throttle width %d not in allowed set %v", minutes, f.allowed)
}

func testConfig() *appconfig.Config {
	return &appconfig.Config{
		Sink: appconfig.SinkConfig{
			ThrottleMinutes: 20,
			AllowedMinutes:  []int{10, 20, 30, 60},
		},
		Store: appconfig.StoreConfig{
			Tables: appconfig.TablesConfig{
				CartLog:       "shop_cart_log",
				TrafficLog:    "shop_traffic_log",
				MarketRankLog: "shop_market_rank_log",
				ChartNotes:    "shop_chart_point_notes",
			},
		},
		API: appconfig.APIConfig{
			Enabled:            true,
			Address:            ":0",
			MaxTemplateMetrics: 8,
		},
	}
}

func testRouter(t *testing.T, cfg *appconfig.Config, st *fakeStore, ctl *fakeSinkControl, channels *channel.Channels) (*gin.Engine, sink.MarkerStore) {
	t.Helper()
	reg := registry.DefaultRegistry(appconfig.SourcesConfig{}, cfg.Store.Tables)
	markers := sink.NewMemoryStore(10)
	srv := NewServer(cfg, reg, channels, st, chart.NewNotes(st, cfg.Store.Tables.ChartNotes), ctl, markers)
	if srv == nil {
		t.Fatal("server disabled by config")
	}
	router, err := srv.buildRouter()
	if err != nil {
		t.Fatalf("build router: %v", err)
	}
	return router, markers
}

func doJSON(router *gin.Engine, method, target string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	router, _ := testRouter(t, testConfig(), &fakeStore{}, &fakeSinkControl{minutes: 20}, channel.NewChannels(1, 1))
	w := doJSON(router, http.MethodGet, "/healthz", nil)
	if w.Code != http.StatusOK {
		t.Errorf("code = %d", w.Code)
	}
}

func TestIngestObservation(t *testing.T) {
	channels := channel.NewChannels(4, 4)
	router, _ := testRouter(t, testConfig(), &fakeStore{}, &fakeSinkControl{minutes: 20}, channels)

	w := doJSON(router, http.MethodPost, "/v1/observations", map[string]interface{}{
		"url":        "https://sycm.taobao.com/cc/item/live/view/top.json",
		"body":       map[string]interface{}{"data": 1},
		"recordedAt": "2024-05-01:10:05:00",
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("code = %d, body = %s", w.Code, w.Body.String())
	}

	select {
	case obs := <-channels.Observations:
		if obs.RecordedAt != "2024-05-01:10:05:00" {
			t.Errorf("recordedAt = %s", obs.RecordedAt)
		}
		if len(obs.Body) == 0 {
			t.Errorf("body not forwarded")
		}
	default:
		t.Fatal("observation not queued")
	}
}

func TestIngestRejectsMissingFields(t *testing.T) {
	router, _ := testRouter(t, testConfig(), &fakeStore{}, &fakeSinkControl{minutes: 20}, channel.NewChannels(1, 1))
	w := doJSON(router, http.MethodPost, "/v1/observations", map[string]interface{}{"url": "x"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("code = %d", w.Code)
	}
}

func TestIngestQueueFull(t *testing.T) {
	channels := channel.NewChannels(1, 1)
	channels.Observations <- models.Observation{URL: "filler"}
	router, _ := testRouter(t, testConfig(), &fakeStore{}, &fakeSinkControl{minutes: 20}, channels)

	w := doJSON(router, http.MethodPost, "/v1/observations", map[string]interface{}{
		"url":  "https://sycm.taobao.com/cc/item/live/view/top.json",
		"body": map[string]interface{}{},
	})
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("code = %d", w.Code)
	}
}

func TestDayEndpoint(t *testing.T) {
	st := &fakeStore{
		rowsByTable: map[string][]models.Record{
			"shop_cart_log": {
				{"created_at": "2024-05-01T10:05:00+08:00", "item_cart_cnt": float64(12)},
			},
		},
		noteRows: []models.Record{
			{"chart_key": "小贝壳-商品加购件数", "point_date": "2024-05-01", "point_slot": "10:00", "note": "直播开始"},
		},
	}
	router, _ := testRouter(t, testConfig(), st, &fakeSinkControl{minutes: 20}, channel.NewChannels(1, 1))

	w := doJSON(router, http.MethodGet, "/api/day?date=2024-05-01&grid=fine", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d, body = %s", w.Code, w.Body.String())
	}

	var resp struct {
		Date        string              `json:"date"`
		Labels      []string            `json:"labels"`
		Series      []seriesPayload     `json:"series"`
		Annotations map[string][]string `json:"annotations"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Date != "2024-05-01" || len(resp.Labels) != 46 {
		t.Errorf("date = %s, labels = %d", resp.Date, len(resp.Labels))
	}

	var cart *seriesPayload
	for i := range resp.Series {
		if resp.Series[i].SubCategory == "商品加购件数" {
			cart = &resp.Series[i]
		}
	}
	if cart == nil {
		t.Fatal("cart series missing")
	}
	// 10:05 lands in the 10:00 fine bucket, index 3.
	if v := cart.Grid[3]; v == nil || *v != 12 {
		t.Errorf("bucket 3 = %v", v)
	}
	// Sources without rows still contribute all-null series.
	if len(resp.Series) < 5 {
		t.Errorf("series = %d, want cart plus four traffic metrics", len(resp.Series))
	}
	if got := resp.Annotations["10:00"]; len(got) != 1 || got[0] != "直播开始" {
		t.Errorf("10:00 annotations = %v", got)
	}
}

func TestDayRejectsBadDate(t *testing.T) {
	router, _ := testRouter(t, testConfig(), &fakeStore{}, &fakeSinkControl{minutes: 20}, channel.NewChannels(1, 1))
	w := doJSON(router, http.MethodGet, "/api/day?date=yesterday", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("code = %d", w.Code)
	}
}

func TestOverlayEndpoint(t *testing.T) {
	st := &fakeStore{
		rowsByTable: map[string][]models.Record{
			"shop_cart_log": {
				{"created_at": "2024-05-01T10:05:00+08:00", "item_cart_cnt": float64(7)},
				{"created_at": "2024-05-02T10:05:00+08:00", "item_cart_cnt": float64(9)},
			},
		},
	}
	router, _ := testRouter(t, testConfig(), st, &fakeSinkControl{minutes: 20}, channel.NewChannels(1, 1))

	w := doJSON(router, http.MethodGet,
		"/api/overlay?category=%E5%B0%8F%E8%B4%9D%E5%A3%B3&subCategory=%E5%95%86%E5%93%81%E5%8A%A0%E8%B4%AD%E4%BB%B6%E6%95%B0&from=2024-05-01&to=2024-05-03", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d, body = %s", w.Code, w.Body.String())
	}

	var resp struct {
		Dates  []string              `json:"dates"`
		ByDate map[string][]*float64 `json:"byDate"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Dates) != 3 {
		t.Fatalf("dates = %v", resp.Dates)
	}
	if v := resp.ByDate["2024-05-02"][3]; v == nil || *v != 9 {
		t.Errorf("2024-05-02 bucket 3 = %v", v)
	}

	// 2024-05-03 has no rows but is still part of the requested axis.
	empty, ok := resp.ByDate["2024-05-03"]
	if !ok || len(empty) != 46 {
		t.Fatalf("dataless date grid = %v ok=%v", empty, ok)
	}
	for _, v := range empty {
		if v != nil {
			t.Errorf("dataless date should be all null, got %v", *v)
		}
	}
}

func TestOverlayUnknownMetric(t *testing.T) {
	router, _ := testRouter(t, testConfig(), &fakeStore{}, &fakeSinkControl{minutes: 20}, channel.NewChannels(1, 1))
	w := doJSON(router, http.MethodGet, "/api/overlay?category=a&subCategory=b&from=2024-05-01&to=2024-05-01", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("code = %d", w.Code)
	}
}

func TestTrendEndpoint(t *testing.T) {
	st := &fakeStore{
		rowsByTable: map[string][]models.Record{
			"shop_cart_log": {
				{"created_at": "2024-05-01T10:05:00+08:00", "item_cart_cnt": float64(4)},
				{"created_at": "2024-05-01T11:05:00+08:00", "item_cart_cnt": float64(8)},
			},
		},
	}
	router, _ := testRouter(t, testConfig(), st, &fakeSinkControl{minutes: 20}, channel.NewChannels(1, 1))

	w := doJSON(router, http.MethodGet,
		"/api/trend?category=%E5%B0%8F%E8%B4%9D%E5%A3%B3&subCategory=%E5%95%86%E5%93%81%E5%8A%A0%E8%B4%AD%E4%BB%B6%E6%95%B0&from=2024-05-01&to=2024-05-02", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d, body = %s", w.Code, w.Body.String())
	}

	var resp struct {
		Points []models.TrendPoint `json:"points"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Points) != 2 {
		t.Fatalf("points = %d", len(resp.Points))
	}
	// Final bucket empty, so the day reduces to the mean of 4 and 8.
	if v := resp.Points[0].Value; v == nil || *v != 6 {
		t.Errorf("point 0 = %v", v)
	}
	if resp.Points[1].Value != nil {
		t.Errorf("point 1 should be null")
	}
}

func TestTemplateEndpointCaps(t *testing.T) {
	cfg := testConfig()
	cfg.API.MaxTemplateMetrics = 2
	st := &fakeStore{
		rowsByTable: map[string][]models.Record{
			"shop_cart_log": {
				{"created_at": "2024-05-01T10:05:00+08:00", "item_cart_cnt": float64(1)},
			},
			"shop_traffic_log": {
				{"created_at": "2024-05-01T10:05:00+08:00", "search_uv": float64(5), "cart_uv": float64(3)},
			},
		},
	}
	router, _ := testRouter(t, cfg, st, &fakeSinkControl{minutes: 20}, channel.NewChannels(1, 1))

	w := doJSON(router, http.MethodGet, "/api/template?from=2024-05-01&to=2024-05-01", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d, body = %s", w.Code, w.Body.String())
	}

	var resp struct {
		Metrics []chart.MetricRef `json:"metrics"`
		Total   int               `json:"total"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Metrics) != 2 {
		t.Errorf("metrics = %d, want display cap 2", len(resp.Metrics))
	}
	if resp.Total <= 2 {
		t.Errorf("total = %d, want the uncapped count", resp.Total)
	}
	if resp.Metrics[0].Key() != "小贝壳-商品加购件数" {
		t.Errorf("first metric = %s", resp.Metrics[0].Key())
	}
}

func TestThrottleEndpoints(t *testing.T) {
	ctl := &fakeSinkControl{minutes: 20, allowed: []int{10, 20, 30, 60}}
	router, _ := testRouter(t, testConfig(), &fakeStore{}, ctl, channel.NewChannels(1, 1))

	w := doJSON(router, http.MethodGet, "/api/sink/throttle", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d", w.Code)
	}

	w = doJSON(router, http.MethodPut, "/api/sink/throttle", map[string]int{"minutes": 30})
	if w.Code != http.StatusOK || ctl.minutes != 30 {
		t.Errorf("code = %d, minutes = %d", w.Code, ctl.minutes)
	}

	w = doJSON(router, http.MethodPut, "/api/sink/throttle", map[string]int{"minutes": 25})
	if w.Code != http.StatusBadRequest {
		t.Errorf("code = %d", w.Code)
	}
	if ctl.minutes != 30 {
		t.Errorf("rejected width changed state: %d", ctl.minutes)
	}
}

func TestNoteUpsertEndpoint(t *testing.T) {
	st := &fakeStore{}
	router, _ := testRouter(t, testConfig(), st, &fakeSinkControl{minutes: 20}, channel.NewChannels(1, 1))

	w := doJSON(router, http.MethodPost, "/api/notes", map[string]string{
		"chartKey":  "小贝壳-商品加购件数",
		"pointDate": "2024-05-01",
		"pointSlot": "10:00",
		"note":      "改价",
	})
	if w.Code != http.StatusNoContent {
		t.Fatalf("code = %d, body = %s", w.Code, w.Body.String())
	}
	if len(st.upserts) != 1 || st.upserts[0]["note"] != "改价" {
		t.Errorf("upserts = %v", st.upserts)
	}
}

func TestSinkStatusEndpoint(t *testing.T) {
	router, markers := testRouter(t, testConfig(), &fakeStore{}, &fakeSinkControl{minutes: 20}, channel.NewChannels(1, 1))
	markers.SetLastWrite(sink.LastWrite{At: "2024-05-01T02:20:00Z", SlotKey: "2024-05-01:10:20", SourceID: "cart-log"})
	markers.AppendDiagnostic("log", "captured [cart-log], 1 row(s) written")

	w := doJSON(router, http.MethodGet, "/api/sink/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d", w.Code)
	}
	var status struct {
		ThrottleMinutes int `json:"throttleMinutes"`
		LastWrite       *struct {
			SlotKey string `json:"slotKey"`
		} `json:"lastWrite"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.ThrottleMinutes != 20 || status.LastWrite == nil || status.LastWrite.SlotKey != "2024-05-01:10:20" {
		t.Errorf("status = %+v", status)
	}

	w = doJSON(router, http.MethodGet, "/api/sink/diagnostics", nil)
	var diags struct {
		Entries []sink.DiagnosticEntry `json:"entries"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &diags); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(diags.Entries) != 1 {
		t.Errorf("entries = %d", len(diags.Entries))
	}
}
