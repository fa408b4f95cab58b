package witnessd

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/certusone/wormhole/witnessd/pkg/chain"
	"github.com/certusone/wormhole/witnessd/pkg/epochs"
	"github.com/certusone/wormhole/witnessd/pkg/readiness"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type staticHealth []chain.EndpointHealth

func (h staticHealth) EndpointHealth() []chain.EndpointHealth { return h }

func newTestStatusServer(t *testing.T) (*httptest.Server, *readiness.Registry) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	m := epochs.NewMonitor(zap.NewNop(), nil)
	go func() { _ = m.Run(ctx) }()

	registry := readiness.NewRegistry()
	s := &statusServer{
		logger:    zap.NewNop(),
		monitor:   m,
		readiness: registry,
		endpoints: map[chain.ID]chain.HealthReporter{
			"ethereum": staticHealth{{URL: "https://eth-a.example.org", Healthy: true}},
			"bsc":      staticHealth{{URL: "https://bsc.example.org", ConsecutiveFailures: 3, LastError: "timeout"}},
		},
	}
	ts := httptest.NewServer(s.router())
	t.Cleanup(ts.Close)
	return ts, registry
}

func postEpoch(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url+"/v1/epochs", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func getJSON(t *testing.T, url string, v interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK && v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func TestStatusServerEpochs(t *testing.T) {
	ts, _ := newTestStatusServer(t)

	assert.Equal(t, http.StatusAccepted, postEpoch(t, ts.URL, `{"id":1,"start":100}`).StatusCode)
	// Repeating the current start is accepted, a different start is not.
	assert.Equal(t, http.StatusAccepted, postEpoch(t, ts.URL, `{"id":1,"start":100}`).StatusCode)
	assert.Equal(t, http.StatusConflict, postEpoch(t, ts.URL, `{"id":1,"start":120}`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, postEpoch(t, ts.URL, `{"id":`).StatusCode)
	assert.Equal(t, http.StatusAccepted, postEpoch(t, ts.URL, `{"id":2,"start":200}`).StatusCode)

	var b epochs.Bounds
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/v1/epochs/1", &b))
	assert.Equal(t, uint32(1), b.ID)
	assert.Equal(t, uint64(100), b.Start)
	require.NotNil(t, b.End)
	assert.Equal(t, uint64(199), *b.End)
	assert.Equal(t, epochs.StateEnded.String(), b.State)

	var active []epochs.Bounds
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/v1/epochs", &active))
	require.Len(t, active, 2)

	assert.Equal(t, http.StatusNotFound, getJSON(t, ts.URL+"/v1/epochs/9", nil))
	assert.Equal(t, http.StatusBadRequest, getJSON(t, ts.URL+"/v1/epochs/latest", nil))
}

func TestStatusServerEndpoints(t *testing.T) {
	ts, _ := newTestStatusServer(t)

	var out []chainEndpoints
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/v1/endpoints", &out))
	require.Len(t, out, 2)
	assert.Equal(t, chain.ID("bsc"), out[0].Chain)
	assert.Equal(t, 3, out[0].Endpoints[0].ConsecutiveFailures)
	assert.Equal(t, "timeout", out[0].Endpoints[0].LastError)
	assert.Equal(t, chain.ID("ethereum"), out[1].Chain)
	assert.True(t, out[1].Endpoints[0].Healthy)
}

func TestStatusServerReadiness(t *testing.T) {
	ts, registry := newTestStatusServer(t)
	registry.RegisterComponent(readiness.StorageOpen)

	assert.Equal(t, http.StatusPreconditionFailed, getJSON(t, ts.URL+"/readyz", nil))
	registry.SetReady(readiness.StorageOpen)
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/readyz", nil))
}
