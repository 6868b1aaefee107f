package types

import (
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseQueryValues_UnknownParameterRejected(t *testing.T) {
	tests := []struct {
		name     string
		resource string
		values   url.Values
	}{
		{"typo on dataselect", ResourceDataselect, url.Values{"net": {"GE"}, "start": {"2024-01-01"}, "qualty": {"B"}}},
		{"station param on dataselect", ResourceDataselect, url.Values{"net": {"GE"}, "start": {"2024-01-01"}, "level": {"channel"}}},
		{"dataselect param on station", ResourceStation, url.Values{"net": {"GE"}, "longestonly": {"true"}}},
		{"unknown wfcatalog metric", ResourceWFCatalog, url.Values{"net": {"GE"}, "start": {"2024-01-01"}, "end": {"2024-01-02"}, "num_foo_gt": {"1"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseQueryValues(tt.resource, tt.values)
			require.Error(t, err)
			assert.True(t, IsErrorCode(err, ErrInvalidRequest), "got %v", err)
			assert.Contains(t, err.Error(), "unknown parameter")
		})
	}
}

func TestParsePostBody_UnknownParameterRejected(t *testing.T) {
	body := "bogus=1\nGE APE -- BHZ 2024-01-01T00:00:00 2024-01-02T00:00:00\n"
	_, err := ParsePostBody(ResourceDataselect, strings.NewReader(body))
	assert.True(t, IsErrorCode(err, ErrInvalidRequest), "got %v", err)
}

func TestParseQueryValues_ParameterAliases(t *testing.T) {
	v := url.Values{}
	v.Set("net", "GE")
	v.Set("minlat", "40")
	v.Set("maxlon", "12.5")
	v.Set("lat", "45")
	v.Set("level", "CHANNEL")

	q, err := ParseQueryValues(ResourceStation, v)
	require.NoError(t, err)
	assert.Equal(t, "40", q.Param("minlatitude"))
	assert.Equal(t, "12.5", q.Param("maxlongitude"))
	assert.Equal(t, "45", q.Param("latitude"))
	assert.Equal(t, "channel", q.Param("level"))
	assert.Equal(t, []string{"latitude", "level", "maxlongitude", "minlatitude"}, q.ParamKeys())
}

func TestParseQueryValues_InvalidLevel(t *testing.T) {
	_, err := ParseQueryValues(ResourceStation, url.Values{"net": {"GE"}, "level": {"foo"}})
	assert.True(t, IsErrorCode(err, ErrInvalidRequest))
}

func TestParseQueryValues_AvailabilityFormats(t *testing.T) {
	for _, format := range []string{FormatText, FormatGeoCSV, FormatJSON, FormatRequest} {
		t.Run(format, func(t *testing.T) {
			q, err := ParseQueryValues(ResourceAvailability, url.Values{
				"net": {"GE"}, "format": {format}, "merge": {"quality"}, "show": {"latestupdate"},
			})
			require.NoError(t, err)
			assert.Equal(t, format, q.Format)
			assert.Equal(t, "quality", q.Param("merge"))
		})
	}

	_, err := ParseQueryValues(ResourceAvailability, url.Values{"net": {"GE"}, "format": {"xml"}})
	assert.True(t, IsErrorCode(err, ErrInvalidRequest))
}

func TestParseQueryValues_WFCatalog(t *testing.T) {
	v := url.Values{}
	v.Set("net", "NL")
	v.Set("sta", "HGN")
	v.Set("start", "2024-01-01")
	v.Set("end", "2024-01-03")
	v.Set("gran", "day")
	v.Set("include", "sample")
	v.Set("num_gaps_le", "2")
	v.Set("percent_availability", "100")

	q, err := ParseQueryValues(ResourceWFCatalog, v)
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, q.Format)
	assert.Equal(t, "day", q.Param("granularity"))
	assert.Equal(t, "2", q.Param("num_gaps_le"))
	assert.Equal(t, "100", q.Param("percent_availability"))

	_, err = ParseQueryValues(ResourceWFCatalog, url.Values{"net": {"NL"}, "start": {"2024-01-01"}})
	assert.True(t, IsErrorCode(err, ErrInvalidRequest), "endtime is required")
}

func TestAllowedParam(t *testing.T) {
	assert.True(t, AllowedParam(ResourceDataselect, "format"))
	assert.True(t, AllowedParam(ResourceAvailability, "mergegaps"))
	assert.True(t, AllowedParam(ResourceWFCatalog, "sample_median_ne"))
	assert.False(t, AllowedParam(ResourceAvailability, "level"))
	assert.False(t, AllowedParam("unknown", "quality"))
}
