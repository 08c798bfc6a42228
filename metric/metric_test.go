package metric

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestNewRegistryRegistersCoreMetrics(t *testing.T) {
	r := NewRegistry()
	require.NotNil(t, r.Prometheus())

	r.Metrics.RecordCommit("test-mod", "committed")
	r.Metrics.SetGeneration(3)

	families, err := r.Prometheus().Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	require.True(t, names["yangstore_commit_total"])
	require.True(t, names["yangstore_shm_generation"])
}

func TestRegisterRejectsDuplicateKey(t *testing.T) {
	r := NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_counter", Help: "test"})

	require.NoError(t, r.Register("svc", "requests", c))
	err := r.Register("svc", "requests", c)
	require.Error(t, err)
}

func TestUnregisterRemovesCollector(t *testing.T) {
	r := NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_counter2", Help: "test"})
	require.NoError(t, r.Register("svc", "requests2", c))

	require.True(t, r.Unregister("svc", "requests2"))
	require.False(t, r.Unregister("svc", "requests2"))
}
