package voltstream

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestGeneratorSource(t *testing.T) {
	e, clock := newTestEngine(t, energyConfig(), nil)
	ctx := context.Background()

	n := 0
	src := NewGeneratorSource("ENERGY_EVENTS", func(time.Time) map[string]interface{} {
		n++
		if n == 2 {
			return map[string]interface{}{"meter": "m1", "consumption": -5}
		}
		return map[string]interface{}{"meter": "m1", "consumption": float64(n)}
	}, time.Second).WithClock(clock).WithEventType("consumption").WithLogger(zaptest.NewLogger(t).Sugar())

	require.NoError(t, src.Start(ctx, e))
	assert.Error(t, src.Start(ctx, e))

	for i := 1; i <= 3; i++ {
		clock.Advance(time.Second)
		want := i
		require.Eventually(t, func() bool {
			return src.Published()+src.Failed() == int64(want)
		}, time.Second, 5*time.Millisecond)
	}
	require.NoError(t, src.Stop())
	assert.Error(t, src.Stop())

	assert.Equal(t, int64(2), src.Published())
	assert.Equal(t, int64(1), src.Failed())
	events, err := e.GetEvents("ENERGY_EVENTS", Query{Type: "consumption"})
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestGeneratorSourceRejectsZeroInterval(t *testing.T) {
	e, _ := newTestEngine(t, energyConfig(), nil)
	src := NewGeneratorSource("ENERGY_EVENTS", func(time.Time) map[string]interface{} { return nil }, 0)
	assert.Error(t, src.Start(context.Background(), e))
}

func TestFileSource(t *testing.T) {
	e, _ := newTestEngine(t, energyConfig(), nil)
	lines := []string{
		`{"stream":"ENERGY_EVENTS","type":"consumption","payload":{"meter":"m1","consumption":1.5},"metadata":{"origin":"replay"}}`,
		`not json`,
		``,
		`{"payload":{"meter":"m2","consumption":2}}`,
		`{"stream":"NOPE","payload":{}}`,
	}
	path := filepath.Join(t.TempDir(), "events.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0o600))

	src := NewFileSource(path).WithStream("ENERGY_EVENTS").WithLogger(zaptest.NewLogger(t).Sugar())
	require.NoError(t, src.Start(context.Background(), e))
	src.Wait()
	require.NoError(t, src.Stop())

	assert.Equal(t, int64(2), src.Published())
	assert.Equal(t, int64(2), src.Failed())

	events, err := e.GetEvents("ENERGY_EVENTS", Query{})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "consumption", events[0].Type())
	assert.Equal(t, "replay", events[0].Meta("origin"))
	assert.Equal(t, "m2", events[1].Field("meter"))
}

func TestFileSourceMissingFile(t *testing.T) {
	e, _ := newTestEngine(t, energyConfig(), nil)
	src := NewFileSource(filepath.Join(t.TempDir(), "missing.jsonl"))
	assert.Error(t, src.Start(context.Background(), e))
}
