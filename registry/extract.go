package registry

import (
	"math"
	"strconv"

	"shopflow/models"
)

// The dashboard wraps most leaf values as {"value": x}. unwrap returns the
// inner value when present, otherwise the input unchanged.
func unwrap(v interface{}) interface{} {
	if m, ok := v.(map[string]interface{}); ok {
		if inner, ok := m["value"]; ok {
			return inner
		}
	}
	return v
}

// number coerces a decoded JSON value (possibly wrapped) to float64.
func number(v interface{}) (float64, bool) {
	switch n := unwrap(v).(type) {
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// dig walks nested objects by key, returning nil when any step is missing.
func dig(v interface{}, keys ...string) interface{} {
	for _, k := range keys {
		m, ok := v.(map[string]interface{})
		if !ok {
			return nil
		}
		v = m[k]
	}
	return v
}

// walkByPageName searches the node tree depth-first for a node whose
// pageName equals name, descending into children lists.
func walkByPageName(nodes interface{}, name string) map[string]interface{} {
	list, ok := nodes.([]interface{})
	if !ok {
		return nil
	}
	for _, raw := range list {
		node, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		if s, ok := unwrap(node["pageName"]).(string); ok && s == name {
			return node
		}
		if found := walkByPageName(node["children"], name); found != nil {
			return found
		}
	}
	return nil
}

// CartTopExtractor reads the single cart count out of the item top response.
// The payload carries exactly one row; anything else is not a usable reading.
func CartTopExtractor() ExtractFunc {
	return func(data interface{}) (models.Extraction, bool) {
		list, ok := dig(data, "data", "data", "data").([]interface{})
		if !ok || len(list) != 1 {
			return models.Extraction{}, false
		}
		row, ok := list[0].(map[string]interface{})
		if !ok {
			return models.Extraction{}, false
		}
		cnt, ok := number(row["itemCartCnt"])
		if !ok {
			return models.Extraction{}, false
		}
		return models.Extraction{Value: models.Float(cnt)}, true
	}
}

// TrafficSourceExtractor reads visitor counts and pay rates for the two
// tracked traffic nodes out of the source tree. Missing node metrics read
// as zero; a missing node drops the whole reading.
func TrafficSourceExtractor(searchNode, cartNode string) ExtractFunc {
	metric := func(node map[string]interface{}, key string) float64 {
		v, ok := number(node[key])
		if !ok {
			return 0
		}
		return v
	}
	return func(data interface{}) (models.Extraction, bool) {
		tree := dig(data, "data", "data")
		search := walkByPageName(tree, searchNode)
		cart := walkByPageName(tree, cartNode)
		if search == nil || cart == nil {
			return models.Extraction{}, false
		}
		cartPayRate := math.Round(metric(cart, "payRate")*100) / 100
		return models.Extraction{
			Payload: models.Record{
				ColSearchUV:      metric(search, "uv"),
				ColSearchPayRate: metric(search, "payRate"),
				ColCartUV:        metric(cart, "uv"),
				ColCartPayRate:   cartPayRate,
			},
		}, true
	}
}

// MarketRankExtractor reads the per-shop rank listing. Rows with neither a
// shop title nor a rank are dropped; an empty listing is not a reading.
func MarketRankExtractor() ExtractFunc {
	return func(data interface{}) (models.Extraction, bool) {
		list, ok := dig(data, "data", "data", "data").([]interface{})
		if !ok || len(list) == 0 {
			return models.Extraction{}, false
		}
		items := make([]models.Record, 0, len(list))
		for _, raw := range list {
			row, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			title := ""
			if shop, ok := row["shop"].(map[string]interface{}); ok {
				if s, ok := shop["title"].(string); ok && s != "" {
					title = s
				} else if s, ok := unwrap(shop["value"]).(string); ok {
					title = s
				}
			}
			rank, _ := number(row["cateRankId"])
			if title == "" && rank == 0 {
				continue
			}
			items = append(items, models.Record{
				"shop_title": title,
				"rank":       rank,
			})
		}
		if len(items) == 0 {
			return models.Extraction{}, false
		}
		return models.Extraction{Items: items}, true
	}
}
