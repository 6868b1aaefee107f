package merge

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/BaSui01/fedgate/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// GeoCSV
// =============================================================================

const geocsvHeader = "#dataset: GeoCSV 2.0\n" +
	"#delimiter: |\n" +
	"#field_unit: unitless|unitless|unitless|unitless|unitless|hertz|ISO_8601|ISO_8601\n" +
	"#field_type: string|string|string|string|string|float|datetime|datetime\n" +
	"Network|Station|Location|Channel|Quality|SampleRate|Earliest|Latest\n"

func TestGeoCSVFramer_SingleHeader(t *testing.T) {
	sp := newSpool(t)
	framer, err := NewFramer(types.ResourceAvailability, types.FormatGeoCSV, FramerOptions{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "text/csv; charset=utf-8", framer.ContentType())

	var out bytes.Buffer
	res, err := NewMerger(framer, PolicyAuto, nil, nil).Run(context.Background(), 4, feed(
		okOutcome(t, sp, granule(0, types.ResourceAvailability, "NL"), []byte(geocsvHeader)),
		okOutcome(t, sp, granule(1, types.ResourceAvailability, "NL"),
			[]byte(geocsvHeader+"NL|HGN||BHZ|D|40.0|2024-01-01T00:00:00.000000Z|2024-01-02T00:00:00.000000Z\n")),
		failedOutcome(granule(2, types.ResourceAvailability, "GE"), types.ErrUpstreamTimeout),
		okOutcome(t, sp, granule(3, types.ResourceAvailability, "CH"),
			[]byte(geocsvHeader+"CH|DAVOX||HHZ|D|100.0|2024-01-01T00:00:00.000000Z|2024-01-02T00:00:00.000000Z")),
	), &out)

	require.NoError(t, err)
	assert.Len(t, res.Failed, 1)
	assert.Equal(t, geocsvHeader+
		"NL|HGN||BHZ|D|40.0|2024-01-01T00:00:00.000000Z|2024-01-02T00:00:00.000000Z\n"+
		"CH|DAVOX||HHZ|D|100.0|2024-01-01T00:00:00.000000Z|2024-01-02T00:00:00.000000Z\n", out.String())
}

func TestGeoCSVFramer_ColumnMismatch(t *testing.T) {
	sp := newSpool(t)
	merged := strings.Replace(geocsvHeader, "Quality|SampleRate|", "", 1)

	var out bytes.Buffer
	res, err := NewMerger(NewGeoCSVFramer(nil), PolicyBestEffort, nil, nil).Run(context.Background(), 2, feed(
		okOutcome(t, sp, granule(0, types.ResourceAvailability, "NL"),
			[]byte(geocsvHeader+"NL|HGN||BHZ|D|40.0|2024-01-01T00:00:00.000000Z|2024-01-02T00:00:00.000000Z\n")),
		okOutcome(t, sp, granule(1, types.ResourceAvailability, "NL"),
			[]byte(merged+"NL|HGN||BHZ|2024-01-01T00:00:00.000000Z|2024-01-02T00:00:00.000000Z\n")),
	), &out)

	require.NoError(t, err)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, types.ErrMergeAlignment, res.Failed[0].Code)
	assert.Equal(t, 1, strings.Count(out.String(), "NL|HGN"))
}

func TestGeoCSVFramer_MissingMetadata(t *testing.T) {
	sp := newSpool(t)
	var out bytes.Buffer
	res, err := NewMerger(NewGeoCSVFramer(nil), PolicyBestEffort, nil, nil).Run(context.Background(), 1, feed(
		okOutcome(t, sp, granule(0, types.ResourceAvailability, "NL"), []byte("NL|HGN||BHZ|D|40.0|a|b\n")),
	), &out)
	require.NoError(t, err)
	require.Len(t, res.Failed, 1)
	assert.Zero(t, out.Len())
}

// =============================================================================
// request
// =============================================================================

func TestRequestFramer_Concatenates(t *testing.T) {
	sp := newSpool(t)
	framer, err := NewFramer(types.ResourceAvailability, types.FormatRequest, FramerOptions{}, nil)
	require.NoError(t, err)

	var out bytes.Buffer
	res, err := NewMerger(framer, PolicyBestEffort, nil, nil).Run(context.Background(), 3, feed(
		okOutcome(t, sp, granule(0, types.ResourceAvailability, "NL"),
			[]byte("NL HGN -- BHZ 2024-01-01T00:00:00.000000Z 2024-01-02T00:00:00.000000Z")),
		okOutcome(t, sp, granule(1, types.ResourceAvailability, "GE"), []byte("<html>oops</html>\n")),
		okOutcome(t, sp, granule(2, types.ResourceAvailability, "CH"),
			[]byte("\nCH DAVOX -- HHZ 2024-01-01T00:00:00.000000Z 2024-01-02T00:00:00.000000Z\n")),
	), &out)

	require.NoError(t, err)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, types.ErrMergeAlignment, res.Failed[0].Code)
	assert.Equal(t,
		"NL HGN -- BHZ 2024-01-01T00:00:00.000000Z 2024-01-02T00:00:00.000000Z\n"+
			"CH DAVOX -- HHZ 2024-01-01T00:00:00.000000Z 2024-01-02T00:00:00.000000Z\n", out.String())
}

// =============================================================================
// JSON
// =============================================================================

func availabilityDoc(sources ...string) []byte {
	return []byte(`{"created":"2024-01-01T00:00:00.000000Z","version":1.0,"datasources":[` +
		strings.Join(sources, ",") + `]}`)
}

func TestAvailabilityJSONFramer_MergesDatasources(t *testing.T) {
	sp := newSpool(t)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	framer, err := NewFramer(types.ResourceAvailability, types.FormatJSON,
		FramerOptions{Now: func() time.Time { return now }}, nil)
	require.NoError(t, err)
	assert.Equal(t, "application/json", framer.ContentType())

	var out bytes.Buffer
	_, err = NewMerger(framer, PolicyAuto, nil, nil).Run(context.Background(), 3, feed(
		okOutcome(t, sp, granule(0, types.ResourceAvailability, "NL"), availabilityDoc(`{"network":"NL","station":"HGN"}`)),
		okOutcome(t, sp, granule(1, types.ResourceAvailability, "GE"), availabilityDoc()),
		okOutcome(t, sp, granule(2, types.ResourceAvailability, "CH"),
			availabilityDoc(`{"network":"CH","station":"DAVOX"}`, `{"network":"CH","station":"ZUR"}`)),
	), &out)
	require.NoError(t, err)

	var doc struct {
		Version     float64          `json:"version"`
		Created     string           `json:"created"`
		Datasources []map[string]any `json:"datasources"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &doc))
	assert.Equal(t, 1.0, doc.Version)
	assert.Equal(t, "2024-05-01T12:00:00.000000Z", doc.Created)
	require.Len(t, doc.Datasources, 3)
	assert.Equal(t, "HGN", doc.Datasources[0]["station"])
	assert.Equal(t, "ZUR", doc.Datasources[2]["station"])
}

func TestAvailabilityJSONFramer_EmptyDatasourcesWriteNothing(t *testing.T) {
	sp := newSpool(t)
	var out bytes.Buffer
	res, err := NewMerger(NewAvailabilityJSONFramer(FramerOptions{}, nil), PolicyAuto, nil, nil).Run(context.Background(), 1, feed(
		okOutcome(t, sp, granule(0, types.ResourceAvailability, "NL"), availabilityDoc()),
	), &out)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
	assert.Zero(t, out.Len())
}

func TestAvailabilityJSONFramer_InvalidDocument(t *testing.T) {
	sp := newSpool(t)
	var out bytes.Buffer
	res, err := NewMerger(NewAvailabilityJSONFramer(FramerOptions{}, nil), PolicyBestEffort, nil, nil).Run(context.Background(), 2, feed(
		okOutcome(t, sp, granule(0, types.ResourceAvailability, "NL"), []byte(`{"datasources":[{"network":"NL"},`)),
		okOutcome(t, sp, granule(1, types.ResourceAvailability, "GE"), availabilityDoc(`{"network":"GE"}`)),
	), &out)

	require.NoError(t, err)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, types.ErrMergeAlignment, res.Failed[0].Code)
	assert.NotContains(t, out.String(), `"NL"`)
	assert.True(t, json.Valid(out.Bytes()))
}

func TestWFCatalogFramer_DropsRepeatedBoundaryDocument(t *testing.T) {
	sp := newSpool(t)
	day1 := `{"network":"NL","station":"HGN","channel":"BHZ","start_time":"2024-01-01T00:00:00.000Z"}`
	day2 := `{"network":"NL","station":"HGN","channel":"BHZ","start_time":"2024-01-02T00:00:00.000Z"}`
	day3 := `{"network":"NL","station":"HGN","channel":"BHZ","start_time":"2024-01-03T00:00:00.000Z"}`
	other := `{"network":"GE","station":"APE","channel":"BHZ","start_time":"2024-01-03T00:00:00.000Z"}`

	framer, err := NewFramer(types.ResourceWFCatalog, types.FormatJSON, FramerOptions{}, nil)
	require.NoError(t, err)
	var out bytes.Buffer
	_, err = NewMerger(framer, PolicyAuto, nil, nil).Run(context.Background(), 4, feed(
		okOutcome(t, sp, granule(0, types.ResourceWFCatalog, "NL.HGN"), []byte("["+day1+","+day2+"]")),
		okOutcome(t, sp, granule(1, types.ResourceWFCatalog, "NL.HGN"), []byte("[\n  "+day2+",\n  "+day3+"\n]")),
		okOutcome(t, sp, granule(2, types.ResourceWFCatalog, "GE.APE"), []byte("[]")),
		okOutcome(t, sp, granule(3, types.ResourceWFCatalog, "GE.APE"), []byte("["+other+"]")),
	), &out)
	require.NoError(t, err)

	var docs []map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &docs))
	require.Len(t, docs, 4)
	assert.Equal(t, "2024-01-01T00:00:00.000Z", docs[0]["start_time"])
	assert.Equal(t, "2024-01-02T00:00:00.000Z", docs[1]["start_time"])
	assert.Equal(t, "2024-01-03T00:00:00.000Z", docs[2]["start_time"])
	assert.Equal(t, "GE", docs[3]["network"])
}

func TestWFCatalogFramer_NotAnArray(t *testing.T) {
	sp := newSpool(t)
	var out bytes.Buffer
	res, err := NewMerger(NewWFCatalogFramer(nil), PolicyAuto, nil, nil).Run(context.Background(), 1, feed(
		okOutcome(t, sp, granule(0, types.ResourceWFCatalog, "NL"), []byte(`{"error":"boom"}`)),
	), &out)
	assert.True(t, types.IsErrorCode(err, types.ErrServiceUnavailable), "got %v", err)
	assert.Zero(t, out.Len())
	require.Len(t, res.Failed, 1)
}

func TestEachElement(t *testing.T) {
	var got []string
	err := eachElement(strings.NewReader(`{"a":{"x":[1,2]},"datasources":[1,"two",{"3":3}],"z":null}`), "datasources",
		func(el json.RawMessage) error {
			got = append(got, string(el))
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, []string{`1`, `"two"`, `{"3":3}`}, got)

	assert.Error(t, eachElement(strings.NewReader(`[1] [2]`), "", func(json.RawMessage) error { return nil }))
	assert.Error(t, eachElement(strings.NewReader(`{"datasources":{}}`), "datasources", func(json.RawMessage) error { return nil }))
}
