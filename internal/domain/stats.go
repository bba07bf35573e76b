package domain

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"sort"
	"strconv"
)

// StatsRow is one boundary polygon's zonal statistics for one valid month of
// one slice. Adm1Pcode and Adm1Name are empty at admin level 0.
type StatsRow struct {
	ISOCode    string
	Adm0Name   string
	Adm1Pcode  string
	Adm1Name   string
	AdminLevel int
	Issue      Period
	Valid      Period
	LeadTime   int // months between issue and valid, 0-5
	PixelCount int
	MeanAnom   float64
	MedianAnom float64
}

// StatsTable is the publishable unit of zonal statistics: all rows for one
// admin level of one slice.
type StatsTable struct {
	Slice      Slice
	AdminLevel int
	Rows       []StatsRow
}

// statsHeader is the portal CSV column order. Kept stable: downstream
// consumers key on these names.
func statsHeader(adminLevel int) []string {
	cols := []string{"iso_code", "adm0_name"}
	if adminLevel >= 1 {
		cols = append(cols, "adm1_pcode", "adm1_name")
	}
	return append(cols,
		"admin_level",
		"issue_year", "issue_month",
		"lead_time",
		"valid_year", "valid_month",
		"pixel_count", "mean_anomaly", "median_anomaly",
	)
}

// SortRows orders rows by boundary then issue period then lead time, the
// order the published CSVs use.
func (t *StatsTable) SortRows() {
	sort.Slice(t.Rows, func(i, j int) bool {
		a, b := t.Rows[i], t.Rows[j]
		if a.ISOCode != b.ISOCode {
			return a.ISOCode < b.ISOCode
		}
		if a.Adm1Pcode != b.Adm1Pcode {
			return a.Adm1Pcode < b.Adm1Pcode
		}
		if a.Issue != b.Issue {
			return a.Issue.Before(b.Issue)
		}
		return a.LeadTime < b.LeadTime
	})
}

// MarshalCSV renders the table in the portal's resource format.
func (t *StatsTable) MarshalCSV() ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write(statsHeader(t.AdminLevel)); err != nil {
		return nil, fmt.Errorf("write stats header: %w", err)
	}
	for _, row := range t.Rows {
		rec := []string{row.ISOCode, row.Adm0Name}
		if t.AdminLevel >= 1 {
			rec = append(rec, row.Adm1Pcode, row.Adm1Name)
		}
		rec = append(rec,
			strconv.Itoa(row.AdminLevel),
			strconv.Itoa(row.Issue.Year), strconv.Itoa(int(row.Issue.Month)),
			strconv.Itoa(row.LeadTime),
			strconv.Itoa(row.Valid.Year), strconv.Itoa(int(row.Valid.Month)),
			strconv.Itoa(row.PixelCount),
			formatAnomaly(row.MeanAnom),
			formatAnomaly(row.MedianAnom),
		)
		if err := w.Write(rec); err != nil {
			return nil, fmt.Errorf("write stats row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flush stats csv: %w", err)
	}
	return buf.Bytes(), nil
}

// formatAnomaly renders anomaly values with fixed precision so repeated runs
// produce byte-identical resources.
func formatAnomaly(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}
