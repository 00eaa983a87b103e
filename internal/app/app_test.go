package app

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/stratfleet/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewNormalisesMode(t *testing.T) {
	cfg := config.Defaults()
	cfg.Mode = " Monitor "
	New(&cfg, testLogger())
	assert.Equal(t, ModeMonitor, cfg.Mode)
}

func TestCoordinatorConfigMonitorMode(t *testing.T) {
	cfg := config.Defaults()
	cfg.Coordinator.AutoExecuteArbitrage = true
	cfg.Balancer.AutoMigrate = true

	full := coordinatorConfig(&cfg)
	assert.True(t, full.AutoExecuteArbitrage)
	assert.True(t, full.AutoMigrate)
	assert.Equal(t, time.Minute, full.AdjustInterval)
	assert.Equal(t, time.Hour, full.PortfolioInterval)

	cfg.Mode = ModeMonitor
	mon := coordinatorConfig(&cfg)
	assert.False(t, mon.AutoExecuteArbitrage)
	assert.False(t, mon.AutoMigrate)
	assert.Zero(t, mon.AdjustInterval)
	assert.Zero(t, mon.PortfolioInterval)
	assert.Equal(t, full.DetectInterval, mon.DetectInterval)
	assert.Equal(t, full.EmergencyInterval, mon.EmergencyInterval)
	assert.Equal(t, full.MaxUnrealizedLoss, mon.MaxUnrealizedLoss)
}

func TestConsistencyConfigMonitorModeNeverCorrects(t *testing.T) {
	cfg := config.Defaults()
	cfg.Consistency.AutoCorrect = true
	assert.True(t, consistencyConfig(&cfg).AutoCorrect)

	cfg.Mode = ModeMonitor
	assert.False(t, consistencyConfig(&cfg).AutoCorrect)
}

func TestFleetRefreshDefault(t *testing.T) {
	cfg := config.Defaults()
	cfg.Monitor.FleetRefresh.Duration = 0
	assert.Equal(t, 30*time.Second, fleetRefresh(&cfg))
	cfg.Monitor.FleetRefresh.Duration = time.Minute
	assert.Equal(t, time.Minute, fleetRefresh(&cfg))
}

func TestWireAndBuildWithoutBackends(t *testing.T) {
	cfg := config.Defaults()
	cfg.Postgres.Enabled = false
	cfg.Redis.Enabled = false
	cfg.S3.Enabled = false

	deps, cleanup, err := Wire(context.Background(), &cfg, testLogger())
	require.NoError(t, err)
	defer cleanup()

	assert.NotNil(t, deps.Engine)
	assert.NotNil(t, deps.Managed)
	assert.NotNil(t, deps.Direct)
	assert.NotNil(t, deps.StateCache)
	assert.Nil(t, deps.SignalBus)
	assert.Nil(t, deps.RateLimiter)
	assert.Nil(t, deps.Notifier)

	comp := Build(&cfg, deps, testLogger())
	assert.NotNil(t, comp.Coordinator)
	assert.NotNil(t, comp.Failover)
	assert.Nil(t, comp.Consumer, "the signal consumer needs Redis")
	comp.Failover.Stop()
	comp.Recovery.Stop()
}

func TestExchangeFailoverOnlyInFullMode(t *testing.T) {
	cfg := config.Defaults()
	cfg.Postgres.Enabled = false
	cfg.Redis.Enabled = false
	cfg.S3.Enabled = false
	deps, cleanup, err := Wire(context.Background(), &cfg, testLogger())
	require.NoError(t, err)
	defer cleanup()
	comp := Build(&cfg, deps, testLogger())
	defer comp.Failover.Stop()

	assert.NotNil(t, exchangeFailover(&cfg, comp.Coordinator, testLogger()))

	cfg.Mode = ModeMonitor
	assert.Nil(t, exchangeFailover(&cfg, comp.Coordinator, testLogger()))
}
