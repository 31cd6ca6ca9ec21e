// Package registry holds the ordered table of metric sources: which
// intercepted URLs carry data, how to pull the values out of the response
// body, and which store table and chart metrics the values map to.
package registry

import (
	"strings"

	"shopflow/config"
	"shopflow/models"
)

// ColumnSpec maps one store column onto a chart metric.
type ColumnSpec struct {
	Column      string
	SubCategory string
	IsRate      bool
}

// ChartSpec describes how a source's persisted rows surface as chart series.
// Multi-row sources set GroupLabel instead of Columns: the label column's
// value becomes the subcategory, and ValueColumn names the numeric column
// the series plots.
type ChartSpec struct {
	Category    string
	Columns     []ColumnSpec
	GroupLabel  string
	ValueColumn string
}

// ExtractFunc pulls the reportable data out of a decoded response body.
// ok=false means the body does not carry a usable reading and nothing is
// emitted.
type ExtractFunc func(data interface{}) (models.Extraction, bool)

// Source is one extraction rule. A URL matches when it contains URLContains
// and, if URLKeyword is set, that keyword too.
type Source struct {
	ID          string
	Table       string
	URLContains string
	URLKeyword  string

	// MultiValue sources emit a payload record instead of a single value;
	// MultiRows sources emit a list of records persisted as a batch.
	MultiValue bool
	MultiRows  bool
	FullRecord bool

	// ValueKey is the store column a single-value source writes to.
	ValueKey string

	Extract ExtractFunc
	Chart   ChartSpec
}

// Matches reports whether the source claims the given request URL.
func (s *Source) Matches(url string) bool {
	if s.URLContains == "" || !strings.Contains(url, s.URLContains) {
		return false
	}
	if s.URLKeyword != "" && !strings.Contains(url, s.URLKeyword) {
		return false
	}
	return true
}

// Registry is an ordered, immutable source table.
type Registry struct {
	sources []Source
}

// New builds a registry preserving source order.
func New(sources ...Source) *Registry {
	return &Registry{sources: sources}
}

// Match returns the first source claiming the URL. At most one source
// handles any observation.
func (r *Registry) Match(url string) (*Source, bool) {
	for i := range r.sources {
		if r.sources[i].Matches(url) {
			return &r.sources[i], true
		}
	}
	return nil, false
}

// Sources returns the full table in registration order.
func (r *Registry) Sources() []Source {
	return r.sources
}

// ByID looks a source up by its identifier.
func (r *Registry) ByID(id string) (*Source, bool) {
	for i := range r.sources {
		if r.sources[i].ID == id {
			return &r.sources[i], true
		}
	}
	return nil, false
}

// Source identifiers. These also key throttle markers, so renaming them
// invalidates persisted marker state.
const (
	SourceCartLog    = "cart-log"
	SourceTraffic    = "traffic-source"
	SourceMarketRank = "market-rank"
)

// Store columns written by the traffic source extractor.
const (
	ColSearchUV      = "search_uv"
	ColSearchPayRate = "search_pay_rate"
	ColCartUV        = "cart_uv"
	ColCartPayRate   = "cart_pay_rate"
)

const (
	defaultCartURL        = "/cc/item/live/view/top.json"
	defaultTrafficURL     = "/flow/v6/live/item/source/v4.json"
	defaultMarketRankURL  = "/mc/mq/mkt/item/live/rank.json"
	defaultRankKeyword    = "keyWord=%E5%B0%8F%E8%B4%9D%E5%A3%B3"
	defaultSearchNodeName = "搜索"
	defaultCartNodeName   = "购物车"
)

// DefaultRegistry builds the production source table from configuration.
// Empty config fields fall back to the deployment the extractors were
// written against.
func DefaultRegistry(sources config.SourcesConfig, tables config.TablesConfig) *Registry {
	cartURL := sources.Cart.URLContains
	if cartURL == "" {
		cartURL = defaultCartURL
	}
	trafficURL := sources.Traffic.URLContains
	if trafficURL == "" {
		trafficURL = defaultTrafficURL
	}
	searchNode := sources.Traffic.SearchNode
	if searchNode == "" {
		searchNode = defaultSearchNodeName
	}
	cartNode := sources.Traffic.CartNode
	if cartNode == "" {
		cartNode = defaultCartNodeName
	}
	rankURL := sources.MarketRank.URLContains
	if rankURL == "" {
		rankURL = defaultMarketRankURL
	}
	rankKeyword := sources.MarketRank.URLKeyword
	if rankKeyword == "" {
		rankKeyword = defaultRankKeyword
	}

	return New(
		Source{
			ID:          SourceCartLog,
			Table:       tables.CartLog,
			URLContains: cartURL,
			ValueKey:    "item_cart_cnt",
			Extract:     CartTopExtractor(),
			Chart: ChartSpec{
				Category: "小贝壳",
				Columns: []ColumnSpec{
					{Column: "item_cart_cnt", SubCategory: "商品加购件数"},
				},
			},
		},
		Source{
			ID:          SourceTraffic,
			Table:       tables.TrafficLog,
			URLContains: trafficURL,
			MultiValue:  true,
			FullRecord:  true,
			Extract:     TrafficSourceExtractor(searchNode, cartNode),
			Chart: ChartSpec{
				Category: "流量来源",
				Columns: []ColumnSpec{
					{Column: ColSearchUV, SubCategory: "搜索访客数"},
					{Column: ColSearchPayRate, SubCategory: "搜索支付转化率", IsRate: true},
					{Column: ColCartUV, SubCategory: "购物车访客数"},
					{Column: ColCartPayRate, SubCategory: "购物车支付转化率", IsRate: true},
				},
			},
		},
		Source{
			ID:          SourceMarketRank,
			Table:       tables.MarketRankLog,
			URLContains: rankURL,
			URLKeyword:  rankKeyword,
			MultiValue:  true,
			MultiRows:   true,
			FullRecord:  true,
			Extract:     MarketRankExtractor(),
			Chart: ChartSpec{
				Category:    "市场排名",
				GroupLabel:  "shop_title",
				ValueColumn: "rank",
			},
		},
	)
}
