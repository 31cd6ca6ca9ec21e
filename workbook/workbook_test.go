package workbook

import (
	"strings"
	"testing"
)

// Sheet layout: date, category, subcategory, then 16 hourly columns.
func sheetRows() [][]string {
	pad := func(cells ...string) []string {
		row := make([]string, 3+16)
		copy(row, cells)
		return row
	}
	rows := [][]string{
		pad("日期", "大类", "小类"), // header
		pad("2024-05-01", "小贝壳", "商品加购件数"),
		pad("", "", "搜索支付转化率"),
		pad("", "动作记录", "运营"),
		pad("2024-05-02", "小贝壳", "商品加购件数"),
	}
	// Day one cart counts: "1,200" at 09:00, "300+" at 10:00, "-" at 11:00.
	rows[1][3] = "1,200"
	rows[1][4] = "300+"
	rows[1][5] = "-"
	// Rate row inherits date and category from above.
	rows[2][3] = "0.035"
	// Action at 14:00.
	rows[3][8] = "直播开始"
	// Day two single value.
	rows[4][3] = "7"
	return rows
}

func TestParse(t *testing.T) {
	days, err := Parse(sheetRows())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(days) != 2 {
		t.Fatalf("days = %d, want 2", len(days))
	}

	day1 := days[0]
	if day1.Date != "2024-05-01" {
		t.Errorf("date = %s", day1.Date)
	}
	if len(day1.Series) != 2 {
		t.Fatalf("series = %d, want 2 (action rows are not series)", len(day1.Series))
	}

	cart := day1.Series[0]
	if cart.Category != "小贝壳" || cart.SubCategory != "商品加购件数" || cart.IsRate {
		t.Errorf("series 0 = %+v", cart)
	}
	if len(cart.Grid) != 16 {
		t.Fatalf("grid length = %d", len(cart.Grid))
	}
	if v := cart.Grid[0]; v == nil || *v != 1200 {
		t.Errorf("09:00 = %v, want comma-stripped 1200", v)
	}
	if v := cart.Grid[1]; v == nil || *v != 300 {
		t.Errorf("10:00 = %v, want 300 from \"300+\"", v)
	}
	if cart.Grid[2] != nil {
		t.Errorf("11:00 = %v, want null for \"-\"", *cart.Grid[2])
	}

	rate := day1.Series[1]
	if !rate.IsRate {
		t.Errorf("转化 subcategory should be a rate")
	}
	if rate.Category != "小贝壳" {
		t.Errorf("carried-forward category = %s", rate.Category)
	}
	if v := rate.Grid[0]; v == nil || *v != 0.035 {
		t.Errorf("rate 09:00 = %v", v)
	}

	if got := day1.Annotations["14:00"]; len(got) != 1 || got[0] != "运营-直播开始" {
		t.Errorf("14:00 annotations = %v", got)
	}

	day2 := days[1]
	if day2.Date != "2024-05-02" || len(day2.Series) != 1 {
		t.Errorf("day 2 = %s with %d series", day2.Date, len(day2.Series))
	}
}

func TestParseSkipsRowsWithoutSubCategory(t *testing.T) {
	rows := sheetRows()
	rows = append(rows, make([]string, 19)) // fully blank row
	days, err := Parse(rows)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(days) != 2 {
		t.Errorf("blank row changed the result: %d days", len(days))
	}
}

func TestParseCSV(t *testing.T) {
	csvData := "日期,大类,小类,9,10,11,12,13,14,15,16,17,18,19,20,21,22,23,24\n" +
		"2024-05-01,小贝壳,商品加购件数,5,6,,,,,,,,,,,,,,\n"
	days, err := ParseCSV(strings.NewReader(csvData))
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}
	if len(days) != 1 {
		t.Fatalf("days = %d", len(days))
	}
	grid := days[0].Series[0].Grid
	if v := grid[0]; v == nil || *v != 5 {
		t.Errorf("09:00 = %v", v)
	}
	if v := grid[1]; v == nil || *v != 6 {
		t.Errorf("10:00 = %v", v)
	}
	if grid[2] != nil {
		t.Errorf("11:00 should be null")
	}
}
