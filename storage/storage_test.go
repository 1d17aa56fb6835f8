package storage

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexora/smarthttp/memory"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "smarthttp.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "smarthttp.db")
	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()
}

func TestSaveAndLoadSnapshot(t *testing.T) {
	s := newTestStore(t)

	in := []memory.Stats{
		{
			Host:          "a.example.com",
			Successes:     10,
			Failures:      memory.Breakdown{Network: 1, Client: 2, Server: 3, Challenge: 4},
			TotalRequests: 20,
			AvgLatency:    150 * time.Millisecond,
			LastStatus:    200,
			LastSeen:      time.Now().UTC().Truncate(time.Second),
			PreferredHeaders: map[string]string{
				"User-Agent": "special-agent/2.0",
			},
		},
		{
			Host:          "b.example.com",
			Successes:     1,
			TotalRequests: 1,
			AvgLatency:    50 * time.Millisecond,
			LastStatus:    200,
		},
	}
	require.NoError(t, s.SaveSnapshot(in))

	out, err := s.LoadSnapshot()
	require.NoError(t, err)
	require.Len(t, out, 2)

	a := out[0]
	assert.Equal(t, "a.example.com", a.Host)
	assert.Equal(t, 10, a.Successes)
	assert.Equal(t, memory.Breakdown{Network: 1, Client: 2, Server: 3, Challenge: 4}, a.Failures)
	assert.Equal(t, 20, a.TotalRequests)
	assert.Equal(t, 150*time.Millisecond, a.AvgLatency)
	assert.Equal(t, 200, a.LastStatus)
	assert.InDelta(t, 0.5, a.SuccessRate, 1e-9)
	assert.Equal(t, "special-agent/2.0", a.PreferredHeaders["User-Agent"])

	b := out[1]
	assert.Equal(t, "b.example.com", b.Host)
	assert.Nil(t, b.PreferredHeaders)
	assert.InDelta(t, 1.0, b.SuccessRate, 1e-9)
}

func TestSaveSnapshotUpserts(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.SaveSnapshot([]memory.Stats{
		{Host: "a.example.com", Successes: 1, TotalRequests: 1},
	}))
	require.NoError(t, s.SaveSnapshot([]memory.Stats{
		{Host: "a.example.com", Successes: 5, TotalRequests: 8},
	}))

	out, err := s.LoadSnapshot()
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, 5, out[0].Successes)
	assert.Equal(t, 8, out[0].TotalRequests)
}

func TestLoadSnapshotEmpty(t *testing.T) {
	s := newTestStore(t)
	out, err := s.LoadSnapshot()
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestSnapshotRoundTripThroughMemory(t *testing.T) {
	s := newTestStore(t)

	m, err := memory.New(memory.Options{})
	require.NoError(t, err)
	m.Record("a.example.com", memory.Observation{Status: 200, BodySize: 100, Latency: 100 * time.Millisecond})
	m.Record("a.example.com", memory.Observation{Status: 503})

	require.NoError(t, s.SaveSnapshot(m.Snapshot()))

	loaded, err := s.LoadSnapshot()
	require.NoError(t, err)

	restored, err := memory.New(memory.Options{})
	require.NoError(t, err)
	restored.Restore(loaded)

	st := restored.Insights("a.example.com")
	assert.Equal(t, 2, st.TotalRequests)
	assert.Equal(t, 1, st.Successes)
	assert.Equal(t, 1, st.Failures.Server)
}

func TestLogFetch(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.LogFetch("https://example.com/a", "GET", 200, 1, 0, 120*time.Millisecond, nil))
	require.NoError(t, s.LogFetch("https://example.com/b", "POST", 0, 4, 0, 2*time.Second,
		errors.New("retry budget exhausted")))

	var count int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM fetch_log`).Scan(&count))
	assert.Equal(t, 2, count)

	var errText string
	require.NoError(t, s.db.QueryRow(
		`SELECT error FROM fetch_log WHERE url = ?`, "https://example.com/b").Scan(&errText))
	assert.Equal(t, "retry budget exhausted", errText)
}
