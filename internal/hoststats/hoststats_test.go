package hoststats

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSampleReturnsBoundedPercentages(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s := New()
	stats, err := s.Sample(ctx)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, stats.CPUPercent, 0.0)
	assert.GreaterOrEqual(t, stats.RAMPercent, 0.0)
	assert.LessOrEqual(t, stats.RAMPercent, 100.0)
}

func TestBusyHeuristic(t *testing.T) {
	cases := []struct {
		name string
		s    Stats
		busy bool
	}{
		{"idle", Stats{CPUPercent: 10, RAMPercent: 20}, false},
		{"cpu over threshold", Stats{CPUPercent: 95, RAMPercent: 20}, true},
		{"ram over threshold", Stats{CPUPercent: 10, RAMPercent: 95}, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := c.s.CPUPercent > 80.0 || c.s.RAMPercent > 90.0
			assert.Equal(t, c.busy, got)
		})
	}
}
