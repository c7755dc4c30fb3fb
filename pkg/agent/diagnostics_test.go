package agent_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/circuitnotion/device-agent/pkg/agent"
	"github.com/circuitnotion/device-agent/pkg/cloud/cloudtest"
	"github.com/circuitnotion/device-agent/pkg/metrics"
	"github.com/circuitnotion/device-agent/pkg/supervisor"
)

func TestDiagnosticsMetricsFromOutside(t *testing.T) {
	a := agent.New()
	var snap metrics.Snapshot = a.Diagnostics().Metrics
	assert.Zero(t, snap.ReadingsSent)

	m := metrics.New()
	s := supervisor.New(cloudtest.NewDialer(), make(chan []byte, 1), supervisor.DefaultConfig(), supervisor.WithMetrics(m))
	require.NotNil(t, s)
	assert.Equal(t, supervisor.Disconnected, s.State())
	assert.Zero(t, m.Snapshot().ConnectAttempts)
}
