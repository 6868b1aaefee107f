package routing

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BaSui01/fedgate/internal/retry"
	"github.com/BaSui01/fedgate/types"
	"github.com/DATA-DOG/go-sqlmock"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	archiveA = "http://archive-a.example.org/fdsnws/dataselect/1/query"
	archiveB = "http://archive-b.example.org/fdsnws/dataselect/1/query"
)

func ts(t testing.TB, s string) time.Time {
	t.Helper()
	v, err := types.ParseTime(s)
	require.NoError(t, err)
	return v
}

func epoch(t testing.TB, id, start, end string) types.StreamEpoch {
	t.Helper()
	st, err := types.ParseStreamPattern(id)
	require.NoError(t, err)
	return types.StreamEpoch{Stream: st, Start: ts(t, start), End: ts(t, end)}
}

// =============================================================================
// 🧪 post 格式
// =============================================================================

func TestParsePostFormat(t *testing.T) {
	body := strings.Join([]string{
		archiveA,
		"GE APE -- BHZ 2024-01-01T00:00:00 2024-01-02T00:00:00",
		"GE APE -- BHN 2024-01-01T00:00:00 2024-01-02T00:00:00",
		"",
		archiveB,
		"NL HGN 02 BHZ 2024-01-01T00:00:00",
		"",
	}, "\n")

	routes, err := ParsePostFormat(strings.NewReader(body))
	require.NoError(t, err)
	require.Len(t, routes, 3)
	assert.Equal(t, archiveA, routes[0].Endpoint)
	assert.Equal(t, "BHN", routes[1].Epoch.Channel)
	assert.Equal(t, archiveB, routes[2].Endpoint)
	assert.Equal(t, "02", routes[2].Epoch.Location)
	assert.True(t, routes[2].Epoch.OpenEnded())

	var buf bytes.Buffer
	require.NoError(t, WritePostFormat(&buf, routes))
	again, err := ParsePostFormat(&buf)
	require.NoError(t, err)
	assert.Equal(t, routes, again)
}

func TestParsePostFormat_Malformed(t *testing.T) {
	_, err := ParsePostFormat(strings.NewReader("GE APE -- BHZ 2024-01-01T00:00:00\n"))
	assert.Error(t, err)

	_, err = ParsePostFormat(strings.NewReader(archiveA + "\nGE APE BHZ\n"))
	assert.Error(t, err)
}

// =============================================================================
// 🧪 HTTPDirectory
// =============================================================================

func fastRetry() *retry.Policy {
	return &retry.Policy{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2}
}

func TestHTTPDirectory_Lookup(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		fmt.Fprintf(w, "%s\nGE APE -- BHZ 2024-01-01T00:00:00 2024-01-02T00:00:00\n", archiveA)
	}))
	defer srv.Close()

	dir := NewHTTPDirectory(HTTPDirectoryConfig{URL: srv.URL, Retry: fastRetry()}, zap.NewNop())
	routes, err := dir.Lookup(context.Background(), types.ResourceDataselect,
		[]types.StreamEpoch{epoch(t, "GE.APE.*.BH?", "2024-01-01", "2024-01-02")})

	require.NoError(t, err)
	require.Len(t, routes, 1)
	assert.Equal(t, archiveA, routes[0].Endpoint)
	assert.True(t, strings.HasPrefix(gotBody, "service=dataselect\nformat=post\n"))
	assert.Contains(t, gotBody, "GE APE * BH? 2024-01-01T00:00:00 2024-01-02T00:00:00")
}

func TestHTTPDirectory_NoContentIsEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	dir := NewHTTPDirectory(HTTPDirectoryConfig{URL: srv.URL, Retry: fastRetry()}, nil)
	routes, err := dir.Lookup(context.Background(), types.ResourceStation,
		[]types.StreamEpoch{epoch(t, "XX", "2024-01-01", "2024-01-02")})

	assert.NoError(t, err)
	assert.Empty(t, routes)
}

func TestHTTPDirectory_ServerErrorRetriedThenResolutionError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "database locked", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	dir := NewHTTPDirectory(HTTPDirectoryConfig{URL: srv.URL, Retry: fastRetry()}, nil)
	_, err := dir.Lookup(context.Background(), types.ResourceDataselect,
		[]types.StreamEpoch{epoch(t, "GE", "2024-01-01", "2024-01-02")})

	assert.True(t, types.IsErrorCode(err, types.ErrResolution))
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPDirectory_MalformedNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		fmt.Fprintln(w, "GE APE -- BHZ 2024-01-01T00:00:00")
	}))
	defer srv.Close()

	dir := NewHTTPDirectory(HTTPDirectoryConfig{URL: srv.URL, Retry: fastRetry()}, nil)
	_, err := dir.Lookup(context.Background(), types.ResourceDataselect,
		[]types.StreamEpoch{epoch(t, "GE", "2024-01-01", "2024-01-02")})

	assert.True(t, types.IsErrorCode(err, types.ErrResolution))
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPDirectory_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	dir := NewHTTPDirectory(HTTPDirectoryConfig{URL: url, Retry: fastRetry()}, nil)
	_, err := dir.Lookup(context.Background(), types.ResourceDataselect,
		[]types.StreamEpoch{epoch(t, "GE", "2024-01-01", "2024-01-02")})

	assert.True(t, types.IsErrorCode(err, types.ErrResolution))
}

// =============================================================================
// 🧪 TableDirectory
// =============================================================================

func setupSQLite(t *testing.T) *gorm.DB {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	return db
}

func TestTableDirectory_ReplaceAndLookup(t *testing.T) {
	ctx := context.Background()
	dir := NewTableDirectory(setupSQLite(t), zap.NewNop())
	require.NoError(t, dir.Migrate(ctx))

	n, err := dir.Replace(ctx, types.ResourceDataselect, []Route{
		{Epoch: epoch(t, "GE.APE.--.BHZ", "2020-01-01", "*"), Endpoint: archiveA},
		{Epoch: epoch(t, "GE.APE.--.BHN", "2020-01-01", "2021-01-01"), Endpoint: archiveA},
		{Epoch: epoch(t, "NL.HGN.02.BHZ", "2020-01-01", "*"), Endpoint: archiveB},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	routes, err := dir.Lookup(ctx, types.ResourceDataselect,
		[]types.StreamEpoch{epoch(t, "G?.A*.--.BH?", "2024-01-01", "2024-01-02")})
	require.NoError(t, err)
	require.Len(t, routes, 1, "BHN epoch ended before the requested range")
	assert.Equal(t, "BHZ", routes[0].Epoch.Channel)
	assert.True(t, routes[0].Epoch.OpenEnded())

	count, err := dir.Count(ctx, types.ResourceDataselect)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	_, err = dir.Replace(ctx, types.ResourceDataselect, nil)
	require.NoError(t, err)
	count, err = dir.Count(ctx, types.ResourceDataselect)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestTableDirectory_ReplaceUsesTransactor(t *testing.T) {
	ctx := context.Background()
	var calls int
	dir := NewTableDirectory(setupSQLite(t), zap.NewNop())
	inner := dir.tx
	dir.WithTransactor(func(ctx context.Context, fn func(tx *gorm.DB) error) error {
		calls++
		return inner(ctx, fn)
	})
	require.NoError(t, dir.Migrate(ctx))

	_, err := dir.Replace(ctx, types.ResourceStation, []Route{
		{Epoch: epoch(t, "GE.*.*.*", "2020-01-01", "*"), Endpoint: archiveA},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestTableDirectory_QueryFailure(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: mockDB}), &gorm.Config{})
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT \* FROM "routes"`).WillReturnError(errors.New("connection reset by peer"))

	dir := NewTableDirectory(db, zap.NewNop())
	_, err = dir.Lookup(context.Background(), types.ResourceDataselect,
		[]types.StreamEpoch{epoch(t, "GE", "2024-01-01", "2024-01-02")})

	assert.True(t, types.IsErrorCode(err, types.ErrResolution))
	assert.NoError(t, mock.ExpectationsWereMet())
}

// =============================================================================
// 🧪 ChainDirectory
// =============================================================================

func TestChainDirectory_FallsBackOnError(t *testing.T) {
	failing := DirectoryFunc(func(context.Context, string, []types.StreamEpoch) ([]Route, error) {
		return nil, types.NewError(types.ErrResolution, "down")
	})
	var secondCalled bool
	working := DirectoryFunc(func(context.Context, string, []types.StreamEpoch) ([]Route, error) {
		secondCalled = true
		return []Route{{Endpoint: archiveA}}, nil
	})

	routes, err := NewChainDirectory(nil, failing, working).Lookup(context.Background(), "dataselect", nil)
	require.NoError(t, err)
	assert.True(t, secondCalled)
	assert.Len(t, routes, 1)

	_, err = NewChainDirectory(nil, failing, failing).Lookup(context.Background(), "dataselect", nil)
	assert.True(t, types.IsErrorCode(err, types.ErrResolution))
}

func TestChainDirectory_EmptyIsAnswer(t *testing.T) {
	empty := DirectoryFunc(func(context.Context, string, []types.StreamEpoch) ([]Route, error) {
		return nil, nil
	})
	never := DirectoryFunc(func(context.Context, string, []types.StreamEpoch) ([]Route, error) {
		t.Fatal("fallback must not be queried")
		return nil, nil
	})

	routes, err := NewChainDirectory(nil, empty, never).Lookup(context.Background(), "dataselect", nil)
	assert.NoError(t, err)
	assert.Empty(t, routes)
}
