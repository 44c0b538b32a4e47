//go:build integration

package observability_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rafaeljc/bifrost/internal/cache"
	"github.com/rafaeljc/bifrost/internal/config"
	"github.com/rafaeljc/bifrost/internal/database"
	"github.com/rafaeljc/bifrost/internal/logger"
	"github.com/rafaeljc/bifrost/internal/observability"
	"github.com/rafaeljc/bifrost/internal/testsupport"
)

func TestObservabilityServer_Integration(t *testing.T) {
	ctx := context.Background()

	pgContainer, err := testsupport.StartPostgresContainer(ctx, "../../migrations")
	require.NoError(t, err)
	defer pgContainer.Terminate(ctx)

	redisContainer, err := testsupport.StartRedisContainer(ctx)
	require.NoError(t, err)
	defer redisContainer.Terminate(ctx)

	ready := make(chan struct{})
	close(ready)

	freePort, err := getFreePort()
	require.NoError(t, err)

	obsCfg := &config.ObservabilityConfig{
		Port:          fmt.Sprintf("%d", freePort),
		Timeout:       time.Second,
		LivenessPath:  "/alive",
		ReadinessPath: "/check-deps",
		MetricsPath:   "/telemetry",
	}
	log := logger.New(&config.AppConfig{
		Name:        "bifrost-test",
		Version:     "v0.0.0-test",
		Environment: "development",
		LogLevel:    "debug",
		LogFormat:   "text",
	})

	server := observability.NewServer(log, obsCfg,
		database.NewHealthChecker(pgContainer.DB),
		cache.NewRedisHealthChecker(redisContainer.Client),
		observability.NewReadyChecker(ready),
	)
	server.Start()
	defer func() { _ = server.Shutdown(ctx) }()

	baseURL := fmt.Sprintf("http://localhost:%d", freePort)

	require.Eventually(t, func() bool {
		resp, err := http.Get(baseURL + "/alive")
		if err == nil {
			resp.Body.Close()
			return resp.StatusCode == http.StatusOK
		}
		return false
	}, 5*time.Second, 100*time.Millisecond, "Server failed to start")

	t.Run("Should expose metrics on the configured path", func(t *testing.T) {
		resp, err := http.Get(baseURL + "/telemetry")
		require.NoError(t, err)
		defer resp.Body.Close()

		body, _ := io.ReadAll(resp.Body)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, string(body), "go_goroutines")
		assert.Contains(t, string(body), "bifrost_")
	})

	t.Run("Should report every dependency up", func(t *testing.T) {
		components := readiness(t, baseURL+"/check-deps", http.StatusOK)

		assert.Equal(t, "up", components["postgres"])
		assert.Equal(t, "up", components["redis"])
		assert.Equal(t, "up", components["sdk"])
	})

	t.Run("Should fail readiness when Redis is down", func(t *testing.T) {
		require.NoError(t, redisContainer.Container.Stop(ctx, nil))

		require.Eventually(t, func() bool {
			resp, err := http.Get(baseURL + "/check-deps")
			if err != nil {
				return false
			}
			resp.Body.Close()
			return resp.StatusCode == http.StatusServiceUnavailable
		}, 5*time.Second, 200*time.Millisecond)

		components := readiness(t, baseURL+"/check-deps", http.StatusServiceUnavailable)
		assert.Contains(t, components["redis"], "down")
		assert.Equal(t, "up", components["postgres"])
	})
}

func readiness(t *testing.T, url string, wantStatus int) map[string]string {
	t.Helper()

	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, wantStatus, resp.StatusCode)

	var body struct {
		Components map[string]string `json:"components"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body.Components
}

// getFreePort asks the kernel for a free TCP port.
func getFreePort() (int, error) {
	addr, err := net.ResolveTCPAddr("tcp", "localhost:0")
	if err != nil {
		return 0, err
	}
	l, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
