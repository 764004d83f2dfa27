package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHub struct{ subs, published, dropped int }

func (f *fakeHub) Subscribers() int  { return f.subs }
func (f *fakeHub) Published() uint64 { return uint64(f.published) }
func (f *fakeHub) Dropped() uint64   { return uint64(f.dropped) }

func TestRegisterRuntime_ReadsLiveValues(t *testing.T) {
	reg := prometheus.NewRegistry()
	hub := &fakeHub{subs: 2, published: 10, dropped: 1}
	active := int64(0)
	RegisterRuntime(reg, hub, func() (int64, int64, int64) { return 4, active, 0 })

	active = 3
	hub.dropped = 5

	expected := `
# HELP actuator_pool_active Tasks running in the worker pool.
# TYPE actuator_pool_active gauge
actuator_pool_active 3
# HELP actuator_stream_events_dropped_total Event deliveries skipped because a subscriber was full.
# TYPE actuator_stream_events_dropped_total counter
actuator_stream_events_dropped_total 5
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"actuator_pool_active", "actuator_stream_events_dropped_total"))

	n, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.Equal(t, 6, n)
}

func TestRegisterRuntime_NilSources(t *testing.T) {
	reg := prometheus.NewRegistry()
	RegisterRuntime(reg, nil, nil)
	RegisterRuntime(nil, &fakeHub{}, nil)

	n, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
