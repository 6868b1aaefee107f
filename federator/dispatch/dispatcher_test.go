package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BaSui01/fedgate/federator/health"
	"github.com/BaSui01/fedgate/federator/spool"
	"github.com/BaSui01/fedgate/internal/tlsutil"
	"github.com/BaSui01/fedgate/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	primary   = "http://primary.example.org/fdsnws/dataselect/1/query"
	alternate = "http://alternate.example.org/fdsnws/dataselect/1/query"
	third     = "http://third.example.org/fdsnws/dataselect/1/query"
)

var t0 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

// fakeFetcher 按端点返回预设结果
type fakeFetcher struct {
	mu     sync.Mutex
	calls  []Request
	handle func(ctx context.Context, req Request, w io.Writer) (int64, error)
}

func (f *fakeFetcher) Fetch(ctx context.Context, req Request, w io.Writer) (int64, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	return f.handle(ctx, req, w)
}

func (f *fakeFetcher) endpoints() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.Endpoint
	}
	return out
}

func writeString(w io.Writer, s string) (int64, error) {
	n, err := io.WriteString(w, s)
	return int64(n), err
}

func granule(seq int, d time.Duration, candidates ...string) types.Granule {
	return types.Granule{
		Seq:        seq,
		Resource:   types.ResourceDataselect,
		Endpoint:   candidates[0],
		Alternates: candidates[1:],
		Method:     types.MethodGet,
		Epochs: []types.StreamEpoch{{
			Stream: types.Stream{Network: "GE", Station: "APE", Channel: "BHZ"},
			Start:  t0,
			End:    t0.Add(d),
		}},
	}
}

func newTracker(threshold int) *health.Tracker {
	cfg := health.DefaultConfig()
	cfg.FailureThreshold = threshold
	return health.NewTracker(cfg, nil)
}

func readChunk(t *testing.T, c *spool.Chunk) string {
	t.Helper()
	r, err := c.Open()
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	return string(data)
}

func newSpool(t *testing.T) *spool.Manager {
	sp := spool.NewManager("test", spool.Config{Dir: t.TempDir(), MemoryLimit: 1 << 20}, nil)
	t.Cleanup(func() { sp.Close() })
	return sp
}

// =============================================================================
// 🧪 Pool
// =============================================================================

func TestPool_AcquireRelease(t *testing.T) {
	p := NewPool(map[string]int{types.ResourceStation: 2}, 0)
	assert.Equal(t, int64(2), p.Size(types.ResourceStation))
	assert.Equal(t, int64(DefaultPoolSize), p.Size(types.ResourceDataselect))

	r1, err := p.Acquire(context.Background(), types.ResourceStation)
	require.NoError(t, err)
	r2, err := p.Acquire(context.Background(), types.ResourceStation)
	require.NoError(t, err)
	assert.Equal(t, int64(2), p.InUse(types.ResourceStation))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx, types.ResourceStation)
	assert.True(t, types.IsErrorCode(err, types.ErrCancelled))

	r1()
	r1()
	assert.Equal(t, int64(1), p.InUse(types.ResourceStation))
	r3, err := p.Acquire(context.Background(), types.ResourceStation)
	require.NoError(t, err)
	r2()
	r3()
	assert.Equal(t, int64(0), p.InUse(types.ResourceStation))
}

// =============================================================================
// 🧪 Dispatch
// =============================================================================

func TestDispatch_Success(t *testing.T) {
	f := &fakeFetcher{handle: func(ctx context.Context, req Request, w io.Writer) (int64, error) {
		return writeString(w, "records@"+req.Endpoint)
	}}
	tracker := newTracker(3)
	d := NewDispatcher(tracker, NewPool(nil, 4), f, nil, nil)

	out := d.Dispatch(context.Background(), granule(0, time.Hour, primary, alternate), newSpool(t), Config{})
	require.NoError(t, out.Err)
	assert.Equal(t, types.ChunkOK, out.Status)
	assert.Equal(t, primary, out.Endpoint)
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, "records@"+primary, readChunk(t, out.Chunk))
	out.Chunk.Release()
}

func TestDispatch_RetryOnAlternateDiscardsPartialBytes(t *testing.T) {
	f := &fakeFetcher{handle: func(ctx context.Context, req Request, w io.Writer) (int64, error) {
		if req.Endpoint == primary {
			_, _ = writeString(w, "half-a-record")
			return 0, types.NewError(types.ErrUpstreamError, "connection reset")
		}
		return writeString(w, "complete")
	}}
	tracker := newTracker(3)
	d := NewDispatcher(tracker, NewPool(nil, 4), f, nil, nil)

	out := d.Dispatch(context.Background(), granule(0, time.Hour, primary, alternate), newSpool(t), Config{})
	require.NoError(t, out.Err)
	assert.Equal(t, alternate, out.Endpoint)
	assert.Equal(t, 2, out.Attempts)
	assert.Equal(t, "complete", readChunk(t, out.Chunk))

	snapshot := tracker.Snapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, primary, snapshot[0].Endpoint)
	assert.Equal(t, uint64(1), snapshot[0].Failures)
}

func TestDispatch_RetriesOnlyOnce(t *testing.T) {
	f := &fakeFetcher{handle: func(ctx context.Context, req Request, w io.Writer) (int64, error) {
		return 0, types.NewError(types.ErrUpstreamError, "boom")
	}}
	d := NewDispatcher(newTracker(5), NewPool(nil, 4), f, nil, nil)

	out := d.Dispatch(context.Background(), granule(0, time.Hour, primary, alternate, third), newSpool(t), Config{})
	assert.Equal(t, types.ChunkFailed, out.Status)
	assert.True(t, types.IsErrorCode(out.Err, types.ErrUpstreamError))
	assert.Equal(t, []string{primary, alternate}, f.endpoints())
	assert.Nil(t, out.Chunk)
}

func TestDispatch_SkipsExcludedEndpoint(t *testing.T) {
	tracker := newTracker(0)
	tracker.Report(primary, health.OutcomeFailure)
	require.False(t, tracker.Admit(primary))

	f := &fakeFetcher{handle: func(ctx context.Context, req Request, w io.Writer) (int64, error) {
		return writeString(w, "ok")
	}}
	d := NewDispatcher(tracker, NewPool(nil, 4), f, nil, nil)

	out := d.Dispatch(context.Background(), granule(0, time.Hour, primary, alternate), newSpool(t), Config{})
	require.NoError(t, out.Err)
	assert.Equal(t, []string{alternate}, f.endpoints())
	assert.Equal(t, 1, out.Attempts)
}

func TestDispatch_EndpointUnavailable(t *testing.T) {
	tracker := newTracker(0)
	tracker.Report(primary, health.OutcomeFailure)

	f := &fakeFetcher{handle: func(ctx context.Context, req Request, w io.Writer) (int64, error) {
		return 0, nil
	}}
	d := NewDispatcher(tracker, NewPool(nil, 4), f, nil, nil)

	g := granule(0, time.Hour, primary)
	assert.False(t, d.Admissible(g))
	out := d.Dispatch(context.Background(), g, newSpool(t), Config{})
	assert.True(t, types.IsErrorCode(out.Err, types.ErrEndpointUnavailable))
	assert.Empty(t, f.endpoints())
}

func TestDispatch_CancellationNotReported(t *testing.T) {
	started := make(chan struct{})
	f := &fakeFetcher{handle: func(ctx context.Context, req Request, w io.Writer) (int64, error) {
		close(started)
		<-ctx.Done()
		return 0, transportError(ctx, req.Endpoint, ctx.Err())
	}}
	tracker := newTracker(0)
	pool := NewPool(nil, 4)
	d := NewDispatcher(tracker, pool, f, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	out := d.Dispatch(ctx, granule(0, time.Hour, primary, alternate), newSpool(t), Config{})

	assert.True(t, types.IsErrorCode(out.Err, types.ErrCancelled))
	assert.Equal(t, 0, tracker.Len())
	assert.Equal(t, []string{primary}, f.endpoints())
	assert.Equal(t, int64(0), pool.InUse(types.ResourceDataselect))
}

func TestDispatch_TimeoutReported(t *testing.T) {
	f := &fakeFetcher{handle: func(ctx context.Context, req Request, w io.Writer) (int64, error) {
		<-ctx.Done()
		return 0, transportError(ctx, req.Endpoint, ctx.Err())
	}}
	tracker := newTracker(0)
	d := NewDispatcher(tracker, NewPool(nil, 4), f, nil, nil)

	out := d.Dispatch(context.Background(), granule(0, time.Hour, primary), newSpool(t), Config{GranuleTimeout: 20 * time.Millisecond})
	assert.True(t, types.IsErrorCode(out.Err, types.ErrUpstreamTimeout))
	assert.False(t, tracker.Admit(primary))
}

func TestDispatch_BisectsOnUpstreamTooLarge(t *testing.T) {
	f := &fakeFetcher{handle: func(ctx context.Context, req Request, w io.Writer) (int64, error) {
		e := req.Epochs[0]
		if e.End.Sub(e.Start) > time.Hour {
			return 0, types.NewError(types.ErrUpstreamTooLarge, "too large")
		}
		return writeString(w, e.Start.Format("15:04")+";")
	}}
	tracker := newTracker(0)
	d := NewDispatcher(tracker, NewPool(nil, 4), f, nil, nil)

	out := d.Dispatch(context.Background(), granule(0, 4*time.Hour, primary), newSpool(t), Config{MaxSplitDepth: 3})
	require.NoError(t, out.Err)
	assert.Equal(t, "00:00;01:00;02:00;03:00;", readChunk(t, out.Chunk))
	// 413 不影响端点健康
	assert.True(t, tracker.Admit(primary))
	assert.Len(t, f.endpoints(), 7)
}

func TestDispatch_TooLargeWithoutSplitDepth(t *testing.T) {
	f := &fakeFetcher{handle: func(ctx context.Context, req Request, w io.Writer) (int64, error) {
		return 0, types.NewError(types.ErrUpstreamTooLarge, "too large")
	}}
	d := NewDispatcher(newTracker(0), NewPool(nil, 4), f, nil, nil)

	out := d.Dispatch(context.Background(), granule(0, 4*time.Hour, primary), newSpool(t), Config{})
	assert.True(t, types.IsErrorCode(out.Err, types.ErrUpstreamTooLarge))
}

// =============================================================================
// 🧪 Run
// =============================================================================

func TestRun_DeliversEveryGranuleWithinWindow(t *testing.T) {
	var inFlight, maxInFlight atomic.Int32
	f := &fakeFetcher{handle: func(ctx context.Context, req Request, w io.Writer) (int64, error) {
		n := inFlight.Add(1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		defer inFlight.Add(-1)
		time.Sleep(time.Millisecond)
		return writeString(w, req.Epochs[0].Start.Format(time.RFC3339))
	}}
	pool := NewPool(nil, 16)
	d := NewDispatcher(newTracker(3), pool, f, nil, nil)

	var granules []types.Granule
	for i := 0; i < 20; i++ {
		g := granule(i, time.Hour, primary)
		g.Epochs[0].Start = t0.Add(time.Duration(i) * time.Hour)
		granules = append(granules, g)
	}

	window := NewWindow(3)
	out := make(chan Outcome)
	errc := make(chan error, 1)
	go func() { errc <- d.Run(context.Background(), granules, newSpool(t), Config{FanOutWidth: 3}, window, out) }()

	seen := map[int]bool{}
	for o := range out {
		require.NoError(t, o.Err)
		assert.LessOrEqual(t, window.Held(), 3)
		seen[o.Seq()] = true
		o.Chunk.Release()
		window.Release()
	}
	require.NoError(t, <-errc)
	assert.Len(t, seen, 20)
	assert.LessOrEqual(t, maxInFlight.Load(), int32(3))
	assert.Equal(t, int64(0), pool.InUse(types.ResourceDataselect))
}

func TestRun_CancelReleasesSlotsAndFiles(t *testing.T) {
	var started atomic.Int32
	f := &fakeFetcher{handle: func(ctx context.Context, req Request, w io.Writer) (int64, error) {
		_, _ = writeString(w, strings.Repeat("x", 64))
		started.Add(1)
		<-ctx.Done()
		return 0, transportError(ctx, req.Endpoint, ctx.Err())
	}}
	pool := NewPool(nil, 8)
	tracker := newTracker(0)
	d := NewDispatcher(tracker, pool, f, nil, nil)

	dir := t.TempDir()
	sp := spool.NewManager("cancel", spool.Config{Dir: dir, MemoryLimit: 0}, nil)

	var granules []types.Granule
	for i := 0; i < 3; i++ {
		granules = append(granules, granule(i, time.Hour, primary))
	}

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan Outcome, 3)
	errc := make(chan error, 1)
	go func() { errc <- d.Run(ctx, granules, sp, Config{FanOutWidth: 3}, NewWindow(3), out) }()

	require.Eventually(t, func() bool { return started.Load() == 3 }, time.Second, time.Millisecond)
	cancel()
	err := <-errc
	assert.True(t, errors.Is(err, context.Canceled))

	for o := range out {
		assert.True(t, types.IsErrorCode(o.Err, types.ErrCancelled))
	}
	require.NoError(t, sp.Close())
	assert.Equal(t, int64(0), pool.InUse(types.ResourceDataselect))
	assert.Equal(t, 0, tracker.Len())
	assert.Equal(t, 0, sp.Stats().OpenFiles)
}

// =============================================================================
// 🧪 HTTPFetcher
// =============================================================================

func TestHTTPFetcher(t *testing.T) {
	var (
		mu                              sync.Mutex
		lastQuery, lastBody, lastMethod string
	)
	last := func() (string, string, string) {
		mu.Lock()
		defer mu.Unlock()
		return lastMethod, lastQuery, lastBody
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		lastMethod, lastQuery, lastBody = r.Method, r.URL.RawQuery, string(body)
		mu.Unlock()
		switch r.URL.Path {
		case "/ok":
			_, _ = w.Write([]byte("payload"))
		case "/empty":
			w.WriteHeader(http.StatusNoContent)
		case "/large":
			w.WriteHeader(http.StatusRequestEntityTooLarge)
		case "/slow":
			time.Sleep(200 * time.Millisecond)
		default:
			http.Error(w, "maintenance", http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	f := NewHTTPFetcherWithClient(srv.Client(), "fedgate-test")
	g := granule(0, time.Hour, srv.URL+"/ok")
	req := Request{
		Resource: g.Resource,
		Endpoint: srv.URL + "/ok",
		Method:   types.MethodGet,
		Format:   types.FormatMiniSEED,
		Params:   map[string]string{"quality": "B"},
		Epochs:   g.Epochs,
	}

	var buf strings.Builder
	n, err := f.Fetch(context.Background(), req, &buf)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
	assert.Equal(t, "payload", buf.String())
	method, query, _ := last()
	assert.Equal(t, http.MethodGet, method)
	assert.Contains(t, query, "net=GE")
	assert.Contains(t, query, "loc=--")
	assert.Contains(t, query, "quality=B")

	req.Method = types.MethodPost
	req.Epochs = append(req.Epochs, req.Epochs[0])
	_, err = f.Fetch(context.Background(), req, io.Discard)
	require.NoError(t, err)
	method, _, body := last()
	assert.Equal(t, http.MethodPost, method)
	assert.Equal(t, fmt.Sprintf("format=miniseed\nquality=B\n%s\n%s\n", g.Epochs[0].PostLine(), g.Epochs[0].PostLine()), body)

	cases := []struct {
		path string
		code types.ErrorCode
	}{
		{"/large", types.ErrUpstreamTooLarge},
		{"/down", types.ErrUpstreamError},
	}
	for _, tc := range cases {
		req.Endpoint = srv.URL + tc.path
		_, err := f.Fetch(context.Background(), req, io.Discard)
		assert.True(t, types.IsErrorCode(err, tc.code), tc.path)
	}

	req.Endpoint = srv.URL + "/empty"
	n, err = f.Fetch(context.Background(), req, io.Discard)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)

	req.Endpoint = srv.URL + "/slow"
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = f.Fetch(ctx, req, io.Discard)
	assert.True(t, types.IsErrorCode(err, types.ErrUpstreamTimeout))
}

func TestHTTPFetcher_SinkFailureIsLocal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("payload"))
	}))
	defer srv.Close()

	sp := spool.NewManager("closed", spool.Config{Dir: t.TempDir(), MemoryLimit: 1024}, nil)
	require.NoError(t, sp.Close())

	f := NewHTTPFetcherWithClient(srv.Client(), "")
	g := granule(0, time.Hour, srv.URL)
	_, err := f.Fetch(context.Background(), Request{Endpoint: srv.URL, Method: types.MethodGet, Epochs: g.Epochs},
		chunkWriter{sp: sp, seq: 0})
	assert.ErrorIs(t, err, spool.ErrClosed)
	assert.True(t, isLocalFailure(err))
}

func TestNewHTTPFetcher(t *testing.T) {
	f, err := NewHTTPFetcher(tlsutil.DefaultUpstreamConfig(), "fedgate")
	require.NoError(t, err)
	assert.NotNil(t, f.client)
}
