package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/ryandielhenn/echomesh/discovery"
	"github.com/ryandielhenn/echomesh/pkg/wave"
)

func env(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestDefaults(t *testing.T) {
	c, err := load(env(nil))
	require.NoError(t, err)

	assert.Equal(t, ":7946", c.ListenAddr)
	assert.Equal(t, ":7946", c.AdvertAddr)
	assert.Equal(t, ":8080", c.HTTPAddr)
	assert.Equal(t, 3, c.BootstrapDegree)
	assert.Equal(t, wave.DisconnectAbsent, c.Policy)
	assert.Equal(t, zapcore.InfoLevel, c.LogLevel)
	assert.Equal(t, int64(10), c.LeaseTTL)
	assert.Zero(t, c.LedgerTTL)
	assert.Empty(t, c.EtcdEndpoints)
	assert.Empty(t, c.Peers)
}

func TestOverrides(t *testing.T) {
	c, err := load(env(map[string]string{
		"SELF_ID":           "alpha",
		"LISTEN_ADDR":       ":9000",
		"ADVERTISE_ADDR":    "alpha:9000",
		"ETCD_ENDPOINTS":    "http://etcd-1:2379, http://etcd-2:2379",
		"PEERS":             "beta=beta:9000",
		"BOOTSTRAP_DEGREE":  "5",
		"DISCONNECT_POLICY": "wait",
		"LEDGER_TTL":        "10m",
		"LOG_LEVEL":         "debug",
		"INITIAL_VALUE":     "-12",
		"GRAPH_DOT":         "true",
	}))
	require.NoError(t, err)

	assert.Equal(t, "alpha", c.SelfID)
	assert.Equal(t, "alpha:9000", c.AdvertAddr)
	assert.Equal(t, []string{"http://etcd-1:2379", "http://etcd-2:2379"}, c.EtcdEndpoints)
	assert.Equal(t, discovery.Static{"beta": "beta:9000"}, c.Peers)
	assert.Equal(t, 5, c.BootstrapDegree)
	assert.Equal(t, wave.DisconnectWait, c.Policy)
	assert.Equal(t, 10*time.Minute, c.LedgerTTL)
	assert.Equal(t, zapcore.DebugLevel, c.LogLevel)
	assert.Equal(t, int64(-12), c.InitialValue)
	assert.True(t, c.GraphDOT)
}

func TestInvalidValues(t *testing.T) {
	for name, value := range map[string]string{
		"PEERS":             "broken",
		"BOOTSTRAP_DEGREE":  "many",
		"LEDGER_BYTES":      "1MB",
		"LEASE_TTL":         "soon",
		"INITIAL_VALUE":     "1.5",
		"LEDGER_TTL":        "forever",
		"DISCONNECT_POLICY": "timeout",
		"LOG_LEVEL":         "chatty",
		"GRAPH_DOT":         "sometimes",
	} {
		_, err := load(env(map[string]string{name: value}))
		assert.Error(t, err, name)
	}
}
