package registry

import (
	"encoding/json"
	"testing"

	"shopflow/config"
)

func testRegistry() *Registry {
	return DefaultRegistry(config.SourcesConfig{}, config.TablesConfig{
		CartLog:       "shop_cart_log",
		TrafficLog:    "shop_traffic_log",
		MarketRankLog: "shop_market_rank_log",
	})
}

func decode(t *testing.T, raw string) interface{} {
	t.Helper()
	var v interface{}
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		t.Fatalf("fixture does not parse: %v", err)
	}
	return v
}

func TestMatch(t *testing.T) {
	r := testRegistry()

	tests := []struct {
		name string
		url  string
		id   string
		ok   bool
	}{
		{"cart", "https://host/cc/item/live/view/top.json?itemId=1", SourceCartLog, true},
		{"traffic", "https://host/flow/v6/live/item/source/v4.json?x=1", SourceTraffic, true},
		{"rank with keyword", "https://host/mc/mq/mkt/item/live/rank.json?keyWord=%E5%B0%8F%E8%B4%9D%E5%A3%B3&p=1", SourceMarketRank, true},
		{"rank without keyword", "https://host/mc/mq/mkt/item/live/rank.json?keyWord=other", "", false},
		{"unrelated", "https://host/other/endpoint.json", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src, ok := r.Match(tt.url)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if ok && src.ID != tt.id {
				t.Errorf("matched %s, want %s", src.ID, tt.id)
			}
		})
	}
}

func TestCartTopExtractor(t *testing.T) {
	extract := CartTopExtractor()

	data := decode(t, `{"data":{"data":{"data":[{"itemCartCnt":{"value":137}}]}}}`)
	ext, ok := extract(data)
	if !ok {
		t.Fatalf("expected a reading")
	}
	if ext.Value == nil || *ext.Value != 137 {
		t.Errorf("value = %v, want 137", ext.Value)
	}

	// Unwrapped scalar form.
	data = decode(t, `{"data":{"data":{"data":[{"itemCartCnt":42}]}}}`)
	if ext, ok = extract(data); !ok || *ext.Value != 42 {
		t.Errorf("scalar form: ok=%v value=%v", ok, ext.Value)
	}

	for name, raw := range map[string]string{
		"two rows":     `{"data":{"data":{"data":[{"itemCartCnt":1},{"itemCartCnt":2}]}}}`,
		"empty list":   `{"data":{"data":{"data":[]}}}`,
		"missing tree": `{"data":{}}`,
		"non numeric":  `{"data":{"data":{"data":[{"itemCartCnt":"n/a"}]}}}`,
	} {
		if _, ok := extract(decode(t, raw)); ok {
			t.Errorf("%s: expected no reading", name)
		}
	}
}

func TestTrafficSourceExtractor(t *testing.T) {
	extract := TrafficSourceExtractor("搜索", "购物车")

	data := decode(t, `{"data":{"data":[
		{"pageName":{"value":"其他"},"children":[
			{"pageName":{"value":"搜索"},"uv":{"value":"1200"},"payRate":{"value":0.0345}}
		]},
		{"pageName":{"value":"购物车"},"uv":{"value":88},"payRate":{"value":0.12345}}
	]}}`)
	ext, ok := extract(data)
	if !ok {
		t.Fatalf("expected a reading")
	}
	if got := ext.Payload[ColSearchUV]; got != 1200.0 {
		t.Errorf("search_uv = %v, want 1200", got)
	}
	if got := ext.Payload[ColSearchPayRate]; got != 0.0345 {
		t.Errorf("search_pay_rate = %v, want 0.0345", got)
	}
	if got := ext.Payload[ColCartUV]; got != 88.0 {
		t.Errorf("cart_uv = %v, want 88", got)
	}
	// Cart pay rate is rounded to two decimals.
	if got := ext.Payload[ColCartPayRate]; got != 0.12 {
		t.Errorf("cart_pay_rate = %v, want 0.12", got)
	}

	data = decode(t, `{"data":{"data":[{"pageName":{"value":"搜索"},"uv":{"value":1}}]}}`)
	if _, ok := extract(data); ok {
		t.Errorf("missing cart node: expected no reading")
	}
}

func TestMarketRankExtractor(t *testing.T) {
	extract := MarketRankExtractor()

	data := decode(t, `{"data":{"data":{"data":[
		{"shop":{"title":"旗舰店A"},"cateRankId":{"value":3}},
		{"shop":{"value":"旗舰店B"},"cateRankId":7},
		{"shop":{"title":""},"cateRankId":{"value":0}}
	]}}}`)
	ext, ok := extract(data)
	if !ok {
		t.Fatalf("expected a reading")
	}
	if len(ext.Items) != 2 {
		t.Fatalf("items = %d, want 2", len(ext.Items))
	}
	if ext.Items[0]["shop_title"] != "旗舰店A" || ext.Items[0]["rank"] != 3.0 {
		t.Errorf("item 0 = %v", ext.Items[0])
	}
	if ext.Items[1]["shop_title"] != "旗舰店B" || ext.Items[1]["rank"] != 7.0 {
		t.Errorf("item 1 = %v", ext.Items[1])
	}

	data = decode(t, `{"data":{"data":{"data":[]}}}`)
	if _, ok := extract(data); ok {
		t.Errorf("empty listing: expected no reading")
	}
}

func TestChartSpecs(t *testing.T) {
	r := testRegistry()

	traffic, ok := r.ByID(SourceTraffic)
	if !ok {
		t.Fatalf("traffic source missing")
	}
	if len(traffic.Chart.Columns) != 4 {
		t.Errorf("traffic chart columns = %d, want 4", len(traffic.Chart.Columns))
	}
	rates := 0
	for _, c := range traffic.Chart.Columns {
		if c.IsRate {
			rates++
		}
	}
	if rates != 2 {
		t.Errorf("traffic rate columns = %d, want 2", rates)
	}

	rank, ok := r.ByID(SourceMarketRank)
	if !ok {
		t.Fatalf("market rank source missing")
	}
	if rank.Chart.GroupLabel != "shop_title" {
		t.Errorf("rank group label = %q", rank.Chart.GroupLabel)
	}
	if rank.Chart.ValueColumn != "rank" {
		t.Errorf("rank value column = %q", rank.Chart.ValueColumn)
	}
	if !rank.MultiRows {
		t.Errorf("rank source should be multi-row")
	}
}
