package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia-labs/bidmatch/internal/core/domain"
	"github.com/custodia-labs/bidmatch/internal/core/ports/driven"
)

func TestObserver_Stages(t *testing.T) {
	o := NewObserver(prometheus.NewRegistry())

	o.StageCompleted(domain.StageExtract, 2*time.Second, "")
	o.StageCompleted(domain.StageExtract, time.Second, domain.ErrorKindLLMProcessing)
	o.StageCompleted(domain.StageRetrieve, time.Second, domain.ErrorKindKnowledgeBase)

	assert.Equal(t, 2, testutil.CollectAndCount(o.stageDuration))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.stageErrors.WithLabelValues("extract", "llm_processing")))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.stageErrors.WithLabelValues("retrieve", "knowledge_base")))
}

func TestObserver_Items(t *testing.T) {
	o := NewObserver(prometheus.NewRegistry())

	o.ItemCompleted(domain.CategoryMatches, true, time.Second)
	o.ItemCompleted(domain.CategoryMatches, true, time.Second)
	o.ItemCompleted(domain.CategoryErrors, false, time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(o.items.WithLabelValues("matches", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.items.WithLabelValues("errors", "failed")))
}

func TestObserver_RetriesSnippetsAndQueue(t *testing.T) {
	reg := prometheus.NewRegistry()
	o := NewObserver(reg)

	o.CallRetried("score")
	o.CallRetried("score")
	o.SnippetsRetrieved(4)
	o.QueueStats(&driven.QueueStats{PendingCount: 3, ProcessingCount: 1, ScheduledCount: 2, DeadCount: 5})
	o.QueueStats(nil)

	assert.Equal(t, 2.0, testutil.ToFloat64(o.retries.WithLabelValues("score")))
	assert.Equal(t, 3.0, testutil.ToFloat64(o.queueDepth.WithLabelValues("pending")))
	assert.Equal(t, 5.0, testutil.ToFloat64(o.queueDepth.WithLabelValues("dead")))

	expected := `
# HELP bidmatch_call_retries_total Total number of retried external calls
# TYPE bidmatch_call_retries_total counter
bidmatch_call_retries_total{operation="score"} 2
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "bidmatch_call_retries_total"))
}

func TestNewObserver_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewObserver(reg)
	assert.Panics(t, func() { NewObserver(reg) })
}
