package app

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/request-gateway/internal/service/concurrency"
	"github.com/fairyhunter13/request-gateway/internal/service/workerpool"
)

func gathered(t *testing.T, reg *prometheus.Registry) map[string][]*dto.Metric {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	out := make(map[string][]*dto.Metric, len(mfs))
	for _, mf := range mfs {
		out[mf.GetName()] = mf.GetMetric()
	}
	return out
}

func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

func TestRegisterGatewayCollectors(t *testing.T) {
	g := &fakeGroup{id: ListenerRequest, topic: "request-new", concurrency: 4, running: 4}
	lag := fakeLag{"request-new": 55}
	pool := &fakePool{stats: workerpool.Stats{Active: 1, Size: 3, Queued: 9, Completed: 12, Rejected: 2}}

	reg := prometheus.NewRegistry()
	require.NoError(t, RegisterGatewayCollectors(reg, concurrency.NewGroups(g), lag, []string{"request-new", "request-response"}, pool))

	m := gathered(t, reg)
	require.Len(t, m["gateway_consumer_concurrency"], 1)
	assert.Equal(t, ListenerRequest, labelValue(m["gateway_consumer_concurrency"][0], "listener"))
	assert.Equal(t, 4.0, m["gateway_consumer_concurrency"][0].GetGauge().GetValue())

	require.Len(t, m["gateway_consumer_lag"], 2)
	for _, lm := range m["gateway_consumer_lag"] {
		if labelValue(lm, "topic") == "request-new" {
			assert.Equal(t, 55.0, lm.GetGauge().GetValue())
		} else {
			assert.Equal(t, 0.0, lm.GetGauge().GetValue())
		}
	}

	assert.Equal(t, 9.0, m["gateway_pool_queue"][0].GetGauge().GetValue())
	assert.Equal(t, 12.0, m["gateway_pool_completed_total"][0].GetCounter().GetValue())
	assert.Equal(t, 2.0, m["gateway_pool_rejected_total"][0].GetCounter().GetValue())

	// Values are read at scrape time.
	g.concurrency = 7
	m = gathered(t, reg)
	assert.Equal(t, 7.0, m["gateway_consumer_concurrency"][0].GetGauge().GetValue())
}

func TestRegisterGatewayCollectors_DuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	pool := &fakePool{}
	require.NoError(t, RegisterGatewayCollectors(reg, nil, nil, nil, pool))
	assert.Error(t, RegisterGatewayCollectors(reg, nil, nil, nil, pool))
}
