package hostmetrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectReturnsPlausibleValues(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	snap, err := Collect(ctx)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, snap.CPUPercent, 0.0)
	assert.LessOrEqual(t, snap.CPUPercent, 100.0)
	assert.GreaterOrEqual(t, snap.MemoryPercent, 0.0)
}

func TestAsMapMergesExtraFields(t *testing.T) {
	snap := Snapshot{CPUPercent: 12.5, MemoryPercent: 40}
	m := snap.AsMap(map[string]any{"messages_sent": 3})

	assert.Equal(t, 12.5, m["cpu_percent"])
	assert.Equal(t, 3, m["messages_sent"])
}
