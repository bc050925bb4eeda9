package metrics_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/storyq/internal/metrics"
	"github.com/snehjoshi/storyq/internal/types"
)

func TestStoryCounters(t *testing.T) {
	reg := metrics.New()

	reg.StoryQueued(types.PriorityHigh, types.TriggerProximity)
	reg.StoryQueued(types.PriorityHigh, types.TriggerProximity)
	reg.StoryQueued(types.PriorityLow, types.TriggerScheduled)
	reg.StoryRejected(types.PriorityLow)
	reg.StoryDelivered(types.PriorityHigh)
	reg.DeliveryFailed(types.PriorityLow, false)
	reg.DeliveryFailed(types.PriorityLow, true)
	reg.StoriesCleared(4)
	reg.StoriesSwept(7)

	assert.Equal(t, 2.0, testutil.ToFloat64(reg.Queued.WithLabelValues("high", "proximity")))
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.Queued.WithLabelValues("low", "scheduled")))
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.Rejected.WithLabelValues("low")))
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.Delivered.WithLabelValues("high")))
	assert.Equal(t, 2.0, testutil.ToFloat64(reg.Failed.WithLabelValues("low")))
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.GaveUp))
	assert.Equal(t, 4.0, testutil.ToFloat64(reg.Cleared))
	assert.Equal(t, 7.0, testutil.ToFloat64(reg.Swept))
}

func TestObserveHTTP(t *testing.T) {
	reg := metrics.New()
	reg.ObserveHTTP("POST", "/users/{user}/stories", 201, 12*time.Millisecond)
	reg.ObserveHTTP("POST", "/users/{user}/stories", 201, 8*time.Millisecond)
	reg.ObserveHTTP("GET", "/users/{user}/stories/next", 204, time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(reg.HTTPRequests.WithLabelValues("POST", "/users/{user}/stories", "201")))
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.HTTPRequests.WithLabelValues("GET", "/users/{user}/stories/next", "204")))
	assert.Equal(t, 2, testutil.CollectAndCount(reg.HTTPRequests))
}

func TestSizeGauges(t *testing.T) {
	reg := metrics.New()
	reg.RegisterSizes(metrics.SizeFuncs{
		Registry: func() int { return 12 },
		Live:     func() int { return 5 },
		Users:    func() int { return 2 },
	})

	err := testutil.GatherAndCompare(reg.Gatherer(), strings.NewReader(`
# HELP storyq_active_users Users with a live heap.
# TYPE storyq_active_users gauge
storyq_active_users 2
# HELP storyq_registry_stories Stories held in the scheduler registry.
# TYPE storyq_registry_stories gauge
storyq_registry_stories 12
`), "storyq_active_users", "storyq_registry_stories")
	require.NoError(t, err)
}

func TestHandler_ExpositionFormat(t *testing.T) {
	reg := metrics.New()
	reg.StoryQueued(types.PriorityImmediate, types.TriggerSafety)

	srv := httptest.NewServer(reg.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(body)
	assert.Contains(t, text, `storyq_stories_queued_total{priority="immediate",trigger="safety"} 1`)
	assert.Contains(t, text, "go_goroutines")
}

func TestRegistries_AreIndependent(t *testing.T) {
	a, b := metrics.New(), metrics.New()
	a.StoriesSwept(3)
	assert.Equal(t, 0.0, testutil.ToFloat64(b.Swept))
}
