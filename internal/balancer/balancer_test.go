package balancer

import (
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/stratfleet/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// node builds a healthy running instance whose CPU, memory and network load
// all equal load.
func node(id string, load float64) domain.Instance {
	return domain.Instance{
		ID:       id,
		Exchange: "binance",
		Status:   domain.InstanceRunning,
		Resources: domain.ResourceUsage{
			CPUPercent:          load,
			MemoryUsedMB:        load,
			MemoryLimitMB:       100,
			NetworkInMbps:       load,
			NetworkCapacityMbps: 100,
		},
		HealthScore:   90,
		MaxStrategies: 20,
	}
}

func strategy(t domain.StrategyType) domain.StrategyExecution {
	return domain.StrategyExecution{Type: t, Exchange: "binance", Pair: "BTC/USDT"}
}

func withConfig(alg Algorithm) *Balancer {
	cfg := DefaultConfig()
	cfg.Algorithm = alg
	return New(cfg, testLogger())
}

func TestSelectInstance_HealthFilter(t *testing.T) {
	good := node("good", 30)
	stopped := node("stopped", 10)
	stopped.Status = domain.InstanceStopped
	weak := node("weak", 10)
	weak.HealthScore = 50
	flaky := node("flaky", 10)
	flaky.Performance.ErrorRate = 0.10

	sel, err := withConfig(LeastLoaded).SelectInstance([]domain.Instance{stopped, weak, flaky, good}, strategy(domain.StrategyDCA), Constraints{})
	require.NoError(t, err)
	assert.Equal(t, "good", sel.Instance.ID)
	assert.Empty(t, sel.Alternatives)
}

func TestSelectInstance_NoEligible(t *testing.T) {
	bad := node("bad", 10)
	bad.HealthScore = 20

	_, err := withConfig(ResourceBased).SelectInstance([]domain.Instance{bad}, strategy(domain.StrategyGrid), Constraints{})
	assert.ErrorIs(t, err, domain.ErrNoEligibleInstance)

	_, err = withConfig(ResourceBased).SelectInstance(nil, strategy(domain.StrategyGrid), Constraints{})
	assert.ErrorIs(t, err, domain.ErrNoEligibleInstance)
}

func TestSelectInstance_Constraints(t *testing.T) {
	a := node("a", 10)
	b := node("b", 20)
	c := node("c", 30)
	c.Exchange = "okx"
	full := node("full", 5)
	full.MaxStrategies = 1
	full.Strategies = []domain.StrategyRef{{ID: "s"}}
	hot := node("hot", 85)

	all := []domain.Instance{a, b, c, full, hot}
	bal := withConfig(LeastLoaded)

	sel, err := bal.SelectInstance(all, strategy(domain.StrategyDCA), Constraints{Exchange: "okx"})
	require.NoError(t, err)
	assert.Equal(t, "c", sel.Instance.ID)

	sel, err = bal.SelectInstance(all, strategy(domain.StrategyDCA), Constraints{ExcludeInstances: []string{"a"}})
	require.NoError(t, err)
	assert.Equal(t, "b", sel.Instance.ID, "full instance is skipped too")

	sel, err = bal.SelectInstance(all, strategy(domain.StrategyDCA), Constraints{MaxLoadPercent: 50})
	require.NoError(t, err)
	for _, alt := range sel.Alternatives {
		assert.NotEqual(t, "hot", alt.Instance.ID)
	}

	sel, err = bal.SelectInstance(all, strategy(domain.StrategyDCA), Constraints{PreferInstances: []string{"b", "missing"}})
	require.NoError(t, err)
	assert.Equal(t, "b", sel.Instance.ID)
	assert.Empty(t, sel.Alternatives)

	sel, err = bal.SelectInstance(all, strategy(domain.StrategyDCA), Constraints{PreferInstances: []string{"missing"}})
	require.NoError(t, err)
	assert.Equal(t, "a", sel.Instance.ID, "preference falls back when nothing preferred is eligible")
}

func TestSelectInstance_LeastLoadedRanksAlternatives(t *testing.T) {
	sel, err := withConfig(LeastLoaded).SelectInstance(
		[]domain.Instance{node("x", 70), node("y", 20), node("z", 45)},
		strategy(domain.StrategyDCA), Constraints{})
	require.NoError(t, err)

	assert.Equal(t, "y", sel.Instance.ID)
	require.Len(t, sel.Alternatives, 2)
	assert.Equal(t, "z", sel.Alternatives[0].Instance.ID)
	assert.Equal(t, "x", sel.Alternatives[1].Instance.ID)
	assert.Contains(t, sel.Rationale, "least_loaded")
	assert.NotEmpty(t, sel.Alternatives[0].Rationale)
}

func TestSelectInstance_IdempotentPlacement(t *testing.T) {
	candidates := []domain.Instance{node("b", 40), node("a", 40), node("c", 60)}
	bal := withConfig(ResourceBased)

	first, err := bal.SelectInstance(candidates, strategy(domain.StrategyMarketMaking), Constraints{})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := bal.SelectInstance(candidates, strategy(domain.StrategyMarketMaking), Constraints{})
		require.NoError(t, err)
		assert.Equal(t, first.Instance.ID, again.Instance.ID)
	}
	assert.Equal(t, "a", first.Instance.ID, "equal scores break ties by id")
}

func TestSelectInstance_ArbitrageWeighsNetwork(t *testing.T) {
	cpuFree := node("cpu-free", 0)
	cpuFree.Resources.CPUPercent = 10
	cpuFree.Resources.MemoryUsedMB = 50
	cpuFree.Resources.NetworkInMbps = 90

	netFree := node("net-free", 0)
	netFree.Resources.CPUPercent = 80
	netFree.Resources.MemoryUsedMB = 50
	netFree.Resources.NetworkInMbps = 10

	bal := withConfig(ResourceBased)
	candidates := []domain.Instance{cpuFree, netFree}

	sel, err := bal.SelectInstance(candidates, strategy(domain.StrategyArbitrage), Constraints{})
	require.NoError(t, err)
	assert.Equal(t, "net-free", sel.Instance.ID)
	assert.InDelta(t, 76.5, sel.Score, 1e-9)

	sel, err = bal.SelectInstance(candidates, strategy(domain.StrategyDCA), Constraints{})
	require.NoError(t, err)
	assert.Equal(t, "cpu-free", sel.Instance.ID)
	assert.InDelta(t, 69.0, sel.Score, 1e-9)
}

func TestSelectInstance_RoundRobinRotates(t *testing.T) {
	bal := withConfig(RoundRobin)
	candidates := []domain.Instance{node("c", 10), node("a", 10), node("b", 10)}

	var got []string
	for i := 0; i < 4; i++ {
		sel, err := bal.SelectInstance(candidates, strategy(domain.StrategyGrid), Constraints{})
		require.NoError(t, err)
		got = append(got, sel.Instance.ID)
		assert.Len(t, sel.Alternatives, 2)
	}
	assert.Equal(t, []string{"a", "b", "c", "a"}, got)
}

func TestUpdateConfig(t *testing.T) {
	bal := withConfig(LeastLoaded)
	cfg := bal.Config()
	cfg.MinHealthScore = 95
	bal.UpdateConfig(cfg)

	_, err := bal.SelectInstance([]domain.Instance{node("a", 10)}, strategy(domain.StrategyDCA), Constraints{})
	assert.ErrorIs(t, err, domain.ErrNoEligibleInstance)
}

func refs(n int) []domain.StrategyRef {
	out := make([]domain.StrategyRef, n)
	for i := range out {
		out[i] = domain.StrategyRef{ID: fmt.Sprintf("s-%02d", i), Type: domain.StrategyGrid, PnL: float64(i)}
	}
	return out
}

func TestRebalanceStrategies_Imbalanced(t *testing.T) {
	hot := node("hot", 90)
	hot.Strategies = []domain.StrategyRef{
		{ID: "keep-1", Type: domain.StrategyGrid, PnL: 5},
		{ID: "loser", Type: domain.StrategyGrid, PnL: -2},
		{ID: "keep-2", Type: domain.StrategyGrid, PnL: 10},
		{ID: "keep-3", Type: domain.StrategyGrid, PnL: 1},
	}
	cold := node("cold", 40)

	recs := withConfig(ResourceBased).RebalanceStrategies([]domain.Instance{hot, cold})
	require.Len(t, recs, 1)
	assert.Equal(t, "loser", recs[0].StrategyID)
	assert.Equal(t, "hot", recs[0].FromInstance)
	assert.Equal(t, "cold", recs[0].ToInstance)
	assert.InDelta(t, 50.0, recs[0].Priority, 1e-9)
}

func TestRebalanceStrategies_MovesAtMostFraction(t *testing.T) {
	hot := node("hot", 90)
	hot.Strategies = refs(10)

	recs := withConfig(ResourceBased).RebalanceStrategies([]domain.Instance{hot, node("cold-a", 40), node("cold-b", 30)})
	require.Len(t, recs, 3)
	assert.Equal(t, "s-00", recs[0].StrategyID)
	assert.Equal(t, "s-02", recs[2].StrategyID)
	for _, r := range recs {
		assert.Equal(t, "cold-b", r.ToInstance, "best scoring underloaded target")
	}
}

func TestRebalanceStrategies_Balanced(t *testing.T) {
	a := node("a", 55)
	a.Strategies = refs(3)
	b := node("b", 60)
	b.Strategies = refs(3)
	c := node("c", 65)
	c.Strategies = refs(3)

	assert.Empty(t, withConfig(ResourceBased).RebalanceStrategies([]domain.Instance{a, b, c}))
}

func TestRebalanceStrategies_NoTarget(t *testing.T) {
	hot := node("hot", 90)
	hot.Strategies = refs(2)
	cold := node("cold", 10)
	cold.HealthScore = 30

	assert.Empty(t, withConfig(ResourceBased).RebalanceStrategies([]domain.Instance{hot, cold}))
	assert.Empty(t, withConfig(ResourceBased).RebalanceStrategies([]domain.Instance{hot}))
}
