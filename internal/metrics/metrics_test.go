package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterIsIdempotent(t *testing.T) {
	assert.NotPanics(t, func() {
		Register()
		Register()
	})
}

func TestHandlerExposesCollectors(t *testing.T) {
	BotExecutions.WithLabelValues("scraper", "completed", "dispatcher").Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(BotExecutions.WithLabelValues("scraper", "completed", "dispatcher")))

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `bot_executions_total{bot_type="scraper",service="dispatcher",status="completed"} 1`)
}
