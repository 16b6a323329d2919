package main

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"evlogai/internal/api"
	"evlogai/internal/collector"
	"evlogai/internal/config"
	"evlogai/internal/model"
	"evlogai/internal/store"
)

// staticSource serves events as one batch, then reports exhaustion.
type staticSource struct {
	events []collector.RawEvent
	opened string
}

func (s *staticSource) Open(_ context.Context, channel string, _ int) (collector.Channel, error) {
	s.opened = channel
	return &staticChannel{events: s.events}, nil
}

type staticChannel struct {
	events []collector.RawEvent
	served bool
}

func (c *staticChannel) Next(context.Context) ([]collector.RawEvent, error) {
	if c.served {
		return nil, nil
	}
	c.served = true
	return c.events, nil
}

func (c *staticChannel) Close() error { return nil }

// callbackDispatcher accepts every job and then posts reply to its callback URL.
type callbackDispatcher struct {
	reply string

	mu   sync.Mutex
	jobs []model.Job
}

func (d *callbackDispatcher) Send(_ context.Context, job model.Job) api.AckResult {
	d.mu.Lock()
	d.jobs = append(d.jobs, job)
	d.mu.Unlock()

	go func() {
		client := &http.Client{Timeout: 5 * time.Second, Transport: &http.Transport{DisableKeepAlives: true}}
		resp, err := client.Post(job.CallbackURL, "application/json", strings.NewReader(d.reply))
		if err == nil {
			resp.Body.Close()
		}
	}()
	return api.AckResult{Kind: api.Accepted, StatusCode: http.StatusOK}
}

func (d *callbackDispatcher) sent() []model.Job {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]model.Job(nil), d.jobs...)
}

type recordingRenderer struct {
	mu    sync.Mutex
	texts []string
}

func (r *recordingRenderer) Render(_ context.Context, text string, _ model.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.texts = append(r.texts, text)
	return nil
}

func (r *recordingRenderer) rendered() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.texts...)
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	c := config.NewDefaultConfig()
	c.Callback.BindHost = "127.0.0.1"
	c.Callback.PublicHost = "127.0.0.1"
	c.Callback.Port = freePort(t)
	c.Callback.GracePeriod = "200ms"
	c.Callback.WaitTimeout = "5s"
	return c
}

func systemEvents() []collector.RawEvent {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return []collector.RawEvent{
		{TimeCreated: base, Provider: "Tcpip", EventCode: 4199, EventType: model.EventTypeWarning, Message: "address conflict with 10.1.2.3"},
		{TimeCreated: base.Add(-time.Minute), Provider: "Service Control Manager", EventCode: 7036, EventType: model.EventTypeInformation, Message: "service entered the running state"},
	}
}

func TestNewRunInput(t *testing.T) {
	in, err := newRunInput("  Slow boot ", "Sistema", " Boot takes minutes ", 0, 50)
	require.NoError(t, err)
	assert.Equal(t, runInput{Title: "Slow boot", Category: "Sistema", Description: "Boot takes minutes", Count: 50}, in)

	in, err = newRunInput("t", "System", "d", 7, 50)
	require.NoError(t, err)
	assert.Equal(t, 7, in.Count)
}

func TestNewRunInputRejectsBlankValues(t *testing.T) {
	cases := []struct {
		name                         string
		title, category, description string
		count                        int
		want                         []string
	}{
		{name: "blank title", title: "   ", category: "Sistema", description: "d", want: []string{"--title"}},
		{name: "empty description", title: "t", category: "Sistema", description: "", want: []string{"--description"}},
		{name: "both blank", title: "\t", category: "Sistema", description: " \n", want: []string{"--title", "--description"}},
		{name: "blank category", title: "t", category: " ", description: "d", want: []string{"--category"}},
		{name: "negative count", title: "t", category: "Sistema", description: "d", count: -3, want: []string{"--count"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := newRunInput(tc.title, tc.category, tc.description, tc.count, 50)
			require.Error(t, err)
			for _, w := range tc.want {
				assert.Contains(t, err.Error(), w)
			}
		})
	}
}

func TestRunStopsOnEmptyExtraction(t *testing.T) {
	reportDir := filepath.Join(t.TempDir(), "reports")
	dispatcher := &callbackDispatcher{reply: `{"output":"unused"}`}
	var out bytes.Buffer
	r := &runner{
		cfg:        testConfig(t),
		logger:     arbor.NewLogger(),
		source:     &staticSource{},
		reports:    store.NewReports(reportDir),
		dispatcher: dispatcher,
		renderer:   &recordingRenderer{},
		out:        &out,
	}

	err := r.run(context.Background(), runInput{Title: "t", Category: "Sistema", Description: "d", Count: 10})
	require.NoError(t, err)

	assert.Contains(t, out.String(), "No events found in Sistema (System)")
	assert.Empty(t, dispatcher.sent())
	assert.NoDirExists(t, reportDir)
}

func TestRunRoundTrip(t *testing.T) {
	reportDir := t.TempDir()
	c := testConfig(t)
	c.Dispatch.MaskSensitive = true
	src := &staticSource{events: systemEvents()}
	dispatcher := &callbackDispatcher{reply: `{"output":"check the DHCP scope"}`}
	renderer := &recordingRenderer{}
	var out bytes.Buffer
	r := &runner{
		cfg:        c,
		logger:     arbor.NewLogger(),
		source:     src,
		reports:    store.NewReports(reportDir),
		dispatcher: dispatcher,
		renderer:   renderer,
		out:        &out,
	}

	err := r.run(context.Background(), runInput{Title: "IP conflict", Category: "Sistema", Description: "Network drops", Count: 10})
	require.NoError(t, err)

	assert.Equal(t, "System", src.opened)
	assert.Equal(t, []string{"check the DHCP scope"}, renderer.rendered())

	jobs := dispatcher.sent()
	require.Len(t, jobs, 1)
	job := jobs[0]
	assert.Equal(t, "IP conflict", job.Title)
	assert.Equal(t, 10, job.RequestedCount)
	assert.Equal(t, c.CallbackURL(), job.CallbackURL)
	require.Len(t, job.Records, 2)
	assert.NotContains(t, job.Records[0].Message, "10.1.2.3")
	assert.Contains(t, out.String(), job.ID)

	entries, err := os.ReadDir(reportDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, job.Report.Filename, entries[0].Name())
	assert.True(t, strings.HasPrefix(entries[0].Name(), "EvLog_Sistema_IP conflict_"))

	report, err := os.ReadFile(filepath.Join(reportDir, entries[0].Name()))
	require.NoError(t, err)
	assert.Contains(t, string(report), "10.1.2.3")

	// the listener is released, so the port can be bound again
	ln, err := net.Listen("tcp", c.ListenAddr())
	require.NoError(t, err)
	require.NoError(t, ln.Close())
}
