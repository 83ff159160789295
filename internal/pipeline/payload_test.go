package pipeline

import (
	"encoding/json"
	"testing"

	"github.com/seed-scraper/internal/config"
	apperrors "github.com/seed-scraper/internal/errors"
	"github.com/seed-scraper/internal/models"
	"github.com/seed-scraper/internal/scraper"
	"github.com/seed-scraper/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(i int) *int    { return &i }
func boolPtr(b bool) *bool { return &b }

func TestNewModeConfig(t *testing.T) {
	tests := []struct {
		name    string
		mode    types.JobMode
		fields  ModeFields
		want    ModeConfig
		wantErr bool
	}{
		{"batch range", types.ModeBatch, ModeFields{StartPage: intPtr(2), EndPage: intPtr(5)}, BatchConfig{StartPage: 2, EndPage: 5}, false},
		{"batch missing end", types.ModeBatch, ModeFields{StartPage: intPtr(2)}, nil, true},
		{"batch inverted range", types.ModeBatch, ModeFields{StartPage: intPtr(5), EndPage: intPtr(2)}, nil, true},
		{"batch with full crawl", types.ModeBatch, ModeFields{StartPage: intPtr(1), EndPage: intPtr(2), FullSiteCrawl: boolPtr(true)}, nil, true},
		{"manual default", types.ModeManual, ModeFields{}, ManualConfig{}, false},
		{"manual full crawl", types.ModeManual, ModeFields{FullSiteCrawl: boolPtr(true)}, ManualConfig{FullSiteCrawl: true}, false},
		{"manual with start page", types.ModeManual, ModeFields{StartPage: intPtr(1)}, nil, true},
		{"manual zero pages", types.ModeManual, ModeFields{MaxPages: intPtr(0)}, nil, true},
		{"auto", types.ModeAuto, ModeFields{}, AutoConfig{}, false},
		{"auto with max pages", types.ModeAuto, ModeFields{MaxPages: intPtr(3)}, nil, true},
		{"test", types.ModeTest, ModeFields{}, TestConfig{}, false},
		{"unknown", types.JobMode("weekly"), ModeFields{}, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewModeConfig(tt.mode, tt.fields)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, apperrors.HasCode(err, apperrors.CodeInvalidParameter))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestModeConfig_PageRange(t *testing.T) {
	limits := config.ScrapeConfig{AutoMaxPages: 50, ManualMaxPages: 10}

	assert.Equal(t, scraper.PageRange{Start: 3, End: 7}, BatchConfig{StartPage: 3, EndPage: 7}.PageRange(limits))
	assert.Equal(t, scraper.PageRange{Start: 1, Full: true, MaxPages: 50}, AutoConfig{}.PageRange(limits))
	assert.Equal(t, scraper.PageRange{Start: 1, End: 10}, ManualConfig{}.PageRange(limits))
	assert.Equal(t, scraper.PageRange{Start: 1, End: 4}, ManualConfig{MaxPages: 4}.PageRange(limits))
	assert.Equal(t, scraper.PageRange{Start: 1, Full: true}, ManualConfig{FullSiteCrawl: true}.PageRange(limits))
	assert.Equal(t, scraper.PageRange{Start: 1, End: 1}, TestConfig{}.PageRange(limits))
}

func TestScrapePayload_WireShape(t *testing.T) {
	p := NewScrapePayload("job-1", "seller-1", models.ScrapeSource{Source: "selector", URL: "https://shop.example/seeds"},
		BatchConfig{StartPage: 1, EndPage: 3})

	data, err := json.Marshal(p)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"jobId": "job-1",
		"sellerId": "seller-1",
		"source": "selector",
		"mode": "batch",
		"config": {"scrapingSourceUrl": "https://shop.example/seeds", "startPage": 1, "endPage": 3}
	}`, string(data))

	var decoded ScrapePayload
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, types.ModeBatch, decoded.Mode())
	assert.Equal(t, BatchConfig{StartPage: 1, EndPage: 3}, decoded.Config)
}

func TestScrapePayload_RejectsFieldsOfAnotherMode(t *testing.T) {
	raw := `{"jobId":"j","sellerId":"s","source":"selector","mode":"auto",
		"config":{"scrapingSourceUrl":"https://shop.example","startPage":2,"endPage":4}}`

	var p ScrapePayload
	err := json.Unmarshal([]byte(raw), &p)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeInvalidParameter))
}

func TestJobIDs(t *testing.T) {
	assert.Equal(t, "detect-job-1", DetectJobID("job-1"))
	assert.Equal(t, "alert-detect-job-1-u7", AlertJobID(DetectJobID("job-1"), "u7"))
}
