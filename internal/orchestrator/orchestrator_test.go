package orchestrator_test

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"go.uber.org/goleak"

	"evlogai/internal/api"
	"evlogai/internal/callback"
	"evlogai/internal/config"
	"evlogai/internal/model"
	"evlogai/internal/orchestrator"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var httpClient = &http.Client{
	Timeout:   5 * time.Second,
	Transport: &http.Transport{DisableKeepAlives: true},
}

type dispatchFunc func(ctx context.Context, job model.Job) api.AckResult

type fakeDispatcher struct {
	fn    dispatchFunc
	calls atomic.Int32
}

func (d *fakeDispatcher) Send(ctx context.Context, job model.Job) api.AckResult {
	d.calls.Add(1)
	if d.fn == nil {
		return api.AckResult{Kind: api.Accepted, StatusCode: http.StatusOK}
	}
	return d.fn(ctx, job)
}

type fakeRenderer struct {
	mu    sync.Mutex
	texts []string
	err   error
}

func (r *fakeRenderer) Render(_ context.Context, text string, _ model.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.texts = append(r.texts, text)
	return r.err
}

func (r *fakeRenderer) rendered() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.texts...)
}

func testJob() model.Job {
	return model.Job{
		ID:              "job-1",
		Title:           "Slow logon",
		CategoryLabel:   "Sicurezza",
		CategoryChannel: "Security",
		Description:     "Logons take a minute",
		CreatedAt:       time.Now(),
		Records:         []model.LogRecord{{Source: "Microsoft-Windows-Security-Auditing", EventID: 4625}},
		RequestedCount:  10,
	}
}

func newOrchestrator(d orchestrator.Dispatcher, r orchestrator.Renderer, addr string, wait time.Duration) *orchestrator.Orchestrator {
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	return orchestrator.New(
		orchestrator.Deps{Dispatcher: d, Renderer: r},
		orchestrator.Options{
			Listener:    callback.Config{Addr: addr, GracePeriod: 200 * time.Millisecond},
			WaitTimeout: wait,
		},
		arbor.NewLogger(),
	)
}

func waitTerminal(t *testing.T, req *orchestrator.PendingRequest) {
	t.Helper()
	select {
	case <-req.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("request stuck in %s", req.Status())
	}
	select {
	case <-req.Released():
	case <-time.After(5 * time.Second):
		t.Fatal("listener not released")
	}
}

func waitStatus(t *testing.T, req *orchestrator.PendingRequest, want orchestrator.Status) {
	t.Helper()
	require.Eventually(t, func() bool { return req.Status() == want }, 5*time.Second, 5*time.Millisecond)
}

func postCallback(t *testing.T, addr, body string) int {
	t.Helper()
	resp, err := httpClient.Post("http://"+addr+"/callback", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode
}

func assertRefused(t *testing.T, addr string) {
	t.Helper()
	_, err := httpClient.Get("http://" + addr + "/")
	require.Error(t, err)
}

func TestCompletedWithOutputText(t *testing.T) {
	renderer := &fakeRenderer{}
	o := newOrchestrator(&fakeDispatcher{}, renderer, "", 0)

	req, err := o.Start(context.Background(), testJob())
	require.NoError(t, err)
	waitStatus(t, req, orchestrator.Dispatched)

	addr := req.ListenAddr()
	assert.Equal(t, http.StatusOK, postCallback(t, addr, `{"output":"diagnosis text"}`))
	waitTerminal(t, req)

	assert.Equal(t, orchestrator.Completed, req.Status())
	assert.NoError(t, req.Err())
	assert.Equal(t, "diagnosis text", req.Text())
	assert.Equal(t, []string{"diagnosis text"}, renderer.rendered())
	assertRefused(t, addr)
}

func TestCompletedWithSerializedPayload(t *testing.T) {
	renderer := &fakeRenderer{}
	o := newOrchestrator(&fakeDispatcher{}, renderer, "", 0)

	req, err := o.Start(context.Background(), testJob())
	require.NoError(t, err)
	waitStatus(t, req, orchestrator.Dispatched)

	postCallback(t, req.ListenAddr(), `{"foo":"bar"}`)
	waitTerminal(t, req)

	assert.Equal(t, orchestrator.Completed, req.Status())
	assert.Equal(t, "{\n  \"foo\": \"bar\"\n}", req.Text())
}

func TestDispatchRejectedFails(t *testing.T) {
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "workflow inactive", http.StatusServiceUnavailable)
	}))
	defer remote.Close()
	client := api.NewClient(config.DispatchConfig{Endpoint: remote.URL, Timeout: "5s"}, arbor.NewLogger())
	defer client.CloseIdleConnections()

	renderer := &fakeRenderer{}
	o := newOrchestrator(client, renderer, "", 0)

	req, err := o.Start(context.Background(), testJob())
	require.NoError(t, err)
	addr := req.ListenAddr()
	waitTerminal(t, req)

	assert.Equal(t, orchestrator.Failed, req.Status())
	require.ErrorIs(t, req.Err(), model.ErrDispatch)
	var de *model.DispatchError
	require.ErrorAs(t, req.Err(), &de)
	assert.Equal(t, http.StatusServiceUnavailable, de.StatusCode)
	assert.Contains(t, req.Err().Error(), "workflow inactive")

	assertRefused(t, addr)
	assert.Empty(t, renderer.rendered())
}

func TestBindErrorFailsWithoutDispatch(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	dispatcher := &fakeDispatcher{}
	o := newOrchestrator(dispatcher, &fakeRenderer{}, busy.Addr().String(), 0)

	req, err := o.Start(context.Background(), testJob())
	require.Nil(t, req)
	require.ErrorIs(t, err, model.ErrBind)
	assert.ErrorIs(t, err, model.ErrAddressInUse)

	cur := o.Current()
	require.NotNil(t, cur)
	waitTerminal(t, cur)
	assert.Equal(t, orchestrator.Failed, cur.Status())
	assert.ErrorIs(t, cur.Err(), model.ErrAddressInUse)
	assert.Zero(t, dispatcher.calls.Load())
}

func TestAlreadyInFlight(t *testing.T) {
	release := make(chan struct{})
	dispatcher := &fakeDispatcher{fn: func(ctx context.Context, _ model.Job) api.AckResult {
		select {
		case <-release:
			return api.AckResult{Kind: api.Accepted, StatusCode: http.StatusOK}
		case <-ctx.Done():
			return api.AckResult{Kind: api.Unreachable, Detail: ctx.Err().Error()}
		}
	}}
	o := newOrchestrator(dispatcher, &fakeRenderer{}, "", 0)

	first, err := o.Start(context.Background(), testJob())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return dispatcher.calls.Load() == 1 }, 5*time.Second, 5*time.Millisecond)

	second, err := o.Start(context.Background(), testJob())
	require.ErrorIs(t, err, model.ErrAlreadyInFlight)
	assert.Nil(t, second)
	assert.Same(t, first, o.Current())
	assert.Equal(t, orchestrator.Listening, first.Status())

	close(release)
	waitStatus(t, first, orchestrator.Dispatched)
	_, err = o.Start(context.Background(), testJob())
	require.ErrorIs(t, err, model.ErrAlreadyInFlight)

	require.True(t, o.Cancel())
	waitTerminal(t, first)
	assert.Equal(t, orchestrator.Cancelled, first.Status())
	assert.Equal(t, int32(1), dispatcher.calls.Load())
}

func TestMalformedCallbackFails(t *testing.T) {
	renderer := &fakeRenderer{}
	o := newOrchestrator(&fakeDispatcher{}, renderer, "", 0)

	req, err := o.Start(context.Background(), testJob())
	require.NoError(t, err)
	waitStatus(t, req, orchestrator.Dispatched)

	addr := req.ListenAddr()
	assert.Equal(t, http.StatusInternalServerError, postCallback(t, addr, `{"output":`))
	waitTerminal(t, req)

	assert.Equal(t, orchestrator.Failed, req.Status())
	assert.ErrorIs(t, req.Err(), model.ErrCallbackMalformed)
	assert.Empty(t, renderer.rendered())
	assertRefused(t, addr)
}

func TestCallbackBeforeDispatchedIsApplied(t *testing.T) {
	var o *orchestrator.Orchestrator
	dispatcher := &fakeDispatcher{fn: func(_ context.Context, _ model.Job) api.AckResult {
		// The remote answers before the dispatch call returns.
		resp, err := httpClient.Post("http://"+o.Current().ListenAddr()+"/callback", "application/json", strings.NewReader(`{"text":"early result"}`))
		if err != nil {
			return api.AckResult{Kind: api.Unreachable, Detail: err.Error()}
		}
		resp.Body.Close()
		return api.AckResult{Kind: api.Accepted, StatusCode: http.StatusOK}
	}}
	renderer := &fakeRenderer{}
	o = newOrchestrator(dispatcher, renderer, "", 0)

	req, err := o.Start(context.Background(), testJob())
	require.NoError(t, err)
	waitTerminal(t, req)

	assert.Equal(t, orchestrator.Completed, req.Status())
	assert.Equal(t, "early result", req.Text())
	assert.Equal(t, []string{"early result"}, renderer.rendered())
}

func TestCancelIgnoresLateCallback(t *testing.T) {
	renderer := &fakeRenderer{}
	o := newOrchestrator(&fakeDispatcher{}, renderer, "", 0)

	req, err := o.Start(context.Background(), testJob())
	require.NoError(t, err)
	waitStatus(t, req, orchestrator.Dispatched)
	addr := req.ListenAddr()

	require.True(t, o.Cancel())
	assert.False(t, o.Cancel())
	waitTerminal(t, req)

	assert.Equal(t, orchestrator.Cancelled, req.Status())
	assert.ErrorIs(t, req.Err(), model.ErrCancelled)
	assertRefused(t, addr)
	assert.Empty(t, renderer.rendered())
}

func TestContextCancelStopsRequest(t *testing.T) {
	o := newOrchestrator(&fakeDispatcher{}, &fakeRenderer{}, "", 0)

	ctx, cancel := context.WithCancel(context.Background())
	req, err := o.Start(ctx, testJob())
	require.NoError(t, err)
	waitStatus(t, req, orchestrator.Dispatched)

	cancel()
	waitTerminal(t, req)
	assert.Equal(t, orchestrator.Cancelled, req.Status())
}

func TestWaitTimeout(t *testing.T) {
	o := newOrchestrator(&fakeDispatcher{}, &fakeRenderer{}, "", 100*time.Millisecond)

	req, err := o.Start(context.Background(), testJob())
	require.NoError(t, err)
	addr := req.ListenAddr()

	err = req.Wait(context.Background())
	require.ErrorIs(t, err, model.ErrCallbackTimeout)
	assert.Equal(t, orchestrator.TimedOut, req.Status())
	waitTerminal(t, req)
	assertRefused(t, addr)
}

func TestRenderErrorFails(t *testing.T) {
	renderer := &fakeRenderer{err: io.ErrShortWrite}
	o := newOrchestrator(&fakeDispatcher{}, renderer, "", 0)

	req, err := o.Start(context.Background(), testJob())
	require.NoError(t, err)
	waitStatus(t, req, orchestrator.Dispatched)

	postCallback(t, req.ListenAddr(), `{"response":"r"}`)
	waitTerminal(t, req)

	assert.Equal(t, orchestrator.Failed, req.Status())
	assert.ErrorIs(t, req.Err(), io.ErrShortWrite)
	assert.Equal(t, "r", req.Text())
}

func TestSequentialRoundTripsReusePort(t *testing.T) {
	probe, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := probe.Addr().String()
	require.NoError(t, probe.Close())

	o := newOrchestrator(&fakeDispatcher{}, &fakeRenderer{}, addr, 0)
	for i := 0; i < 3; i++ {
		req, err := o.Start(context.Background(), testJob())
		require.NoError(t, err, "round trip %d", i)
		assert.Equal(t, addr, req.ListenAddr())
		waitStatus(t, req, orchestrator.Dispatched)
		postCallback(t, addr, `{"output":"ok"}`)
		waitTerminal(t, req)
		assert.Equal(t, orchestrator.Completed, req.Status())
	}
}

func TestStatusHelpers(t *testing.T) {
	terminal := map[orchestrator.Status]bool{
		orchestrator.Idle:       false,
		orchestrator.Listening:  false,
		orchestrator.Dispatched: false,
		orchestrator.Completed:  true,
		orchestrator.Failed:     true,
		orchestrator.TimedOut:   true,
		orchestrator.Cancelled:  true,
	}
	for s, want := range terminal {
		assert.Equal(t, want, s.Terminal(), s.String())
	}
	assert.Equal(t, "timed_out", orchestrator.TimedOut.String())
}
