package domain

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func statsFixture() StatsTable {
	issue := NewPeriod(2025, time.March)
	return StatsTable{
		Slice:      Slice{Dataset: "seasonal", Period: issue, Variable: "precip_anomaly"},
		AdminLevel: 1,
		Rows: []StatsRow{
			{
				ISOCode: "UGA", Adm0Name: "Uganda", Adm1Pcode: "UG314", Adm1Name: "Gulu",
				AdminLevel: 1, Issue: issue, Valid: issue.AddMonths(1), LeadTime: 1,
				PixelCount: 12, MeanAnom: -3.25, MedianAnom: -2.75,
			},
			{
				ISOCode: "KEN", Adm0Name: "Kenya", Adm1Pcode: "KE047", Adm1Name: "Nairobi",
				AdminLevel: 1, Issue: issue, Valid: issue, LeadTime: 0,
				PixelCount: 4, MeanAnom: 10.5, MedianAnom: 9.125,
			},
		},
	}
}

func TestStatsTable_MarshalCSV(t *testing.T) {
	table := statsFixture()
	table.SortRows()

	data, err := table.MarshalCSV()
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t,
		"iso_code,adm0_name,adm1_pcode,adm1_name,admin_level,issue_year,issue_month,lead_time,valid_year,valid_month,pixel_count,mean_anomaly,median_anomaly",
		lines[0])
	assert.Equal(t, "KEN,Kenya,KE047,Nairobi,1,2025,3,0,2025,3,4,10.5000,9.1250", lines[1])
	assert.Equal(t, "UGA,Uganda,UG314,Gulu,1,2025,3,1,2025,4,12,-3.2500,-2.7500", lines[2])
}

func TestStatsTable_MarshalCSV_Adm0OmitsAdm1Columns(t *testing.T) {
	issue := NewPeriod(2025, time.January)
	table := StatsTable{
		AdminLevel: 0,
		Rows: []StatsRow{{
			ISOCode: "TCD", Adm0Name: "Chad", AdminLevel: 0,
			Issue: issue, Valid: issue.AddMonths(5), LeadTime: 5,
			PixelCount: 900, MeanAnom: 0, MedianAnom: 0.0001,
		}},
	}

	data, err := table.MarshalCSV()
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t,
		"iso_code,adm0_name,admin_level,issue_year,issue_month,lead_time,valid_year,valid_month,pixel_count,mean_anomaly,median_anomaly",
		lines[0])
	assert.Equal(t, "TCD,Chad,0,2025,1,5,2025,6,900,0.0000,0.0001", lines[1])
}

func TestStatsTable_SortRows_StableAcrossRuns(t *testing.T) {
	a := statsFixture()
	a.SortRows()
	b := statsFixture()
	// Reversed input order must not change the output.
	b.Rows[0], b.Rows[1] = b.Rows[1], b.Rows[0]
	b.SortRows()
	assert.Equal(t, a.Rows, b.Rows)
}
