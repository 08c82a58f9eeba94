package relayermetrics_test

import (
	"context"
	"io"
	"net"
	"net/http"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/polytope-labs/hyperbridge-sub013/internal/relayermetrics"
)

func TestStartMetricsServer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := prometheus.NewRegistry()
	promauto.With(registry).NewCounter(prometheus.CounterOpts{
		Name: "ismp_verifier_test_total",
		Help: "test counter",
	}).Add(3)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	relayermetrics.StartMetricsServer(ctx, zap.NewNop(), ln, registry)

	res, err := http.Get("http://" + ln.Addr().String() + relayermetrics.MetricsPath)
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "ismp_verifier_test_total 3")
}
