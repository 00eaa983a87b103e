package statesync

import (
	"fmt"
	"math"
	"reflect"
	"sort"

	"github.com/alanyoungcy/stratfleet/internal/domain"
)

// DivergenceKind names which axis of a strategy's state disagreed.
type DivergenceKind string

const (
	DivergenceStatus     DivergenceKind = "status"
	DivergencePnL        DivergenceKind = "pnl"
	DivergenceTradeCount DivergenceKind = "trade_count"
	// DivergenceParameter is a parameter present on both sides with
	// different values.
	DivergenceParameter DivergenceKind = "parameter_changed"
	// DivergenceParamMissing is a parameter the local state has but the
	// remote record no longer carries.
	DivergenceParamMissing DivergenceKind = "parameter_missing"
	// DivergenceParamExtra is a parameter only the remote record carries.
	DivergenceParamExtra DivergenceKind = "parameter_extra"
)

// Divergence is one difference between local and remote state.
type Divergence struct {
	Kind   DivergenceKind `json:"kind"`
	Field  string         `json:"field"`
	Local  any            `json:"local,omitempty"`
	Remote any            `json:"remote,omitempty"`
}

func (d Divergence) String() string {
	return fmt.Sprintf("%s %s: local=%v remote=%v", d.Kind, d.Field, d.Local, d.Remote)
}

// Tolerances bound what counts as "equal" when comparing numbers.
type Tolerances struct {
	PnL        float64
	TradeCount int64
	ParamRel   float64
	ParamAbs   float64
}

// Compare lists every divergence between local and remote, in a stable
// order.
func Compare(local domain.LocalStrategyState, remote domain.StrategyExecution, tol Tolerances) []Divergence {
	var out []Divergence

	if local.Status != remote.Status {
		out = append(out, Divergence{Kind: DivergenceStatus, Field: "status", Local: string(local.Status), Remote: string(remote.Status)})
	}
	if math.Abs(local.Performance.TotalPnL-remote.Performance.TotalPnL) > tol.PnL {
		out = append(out, Divergence{Kind: DivergencePnL, Field: "performance.total_pnl", Local: local.Performance.TotalPnL, Remote: remote.Performance.TotalPnL})
	}
	if diff := local.Performance.TotalTrades - remote.Performance.TotalTrades; diff > tol.TradeCount || -diff > tol.TradeCount {
		out = append(out, Divergence{Kind: DivergenceTradeCount, Field: "performance.total_trades", Local: local.Performance.TotalTrades, Remote: remote.Performance.TotalTrades})
	}

	keys := make(map[string]struct{}, len(local.Parameters)+len(remote.Parameters))
	for k := range local.Parameters {
		keys[k] = struct{}{}
	}
	for k := range remote.Parameters {
		keys[k] = struct{}{}
	}
	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	for _, k := range sorted {
		lv, inLocal := local.Parameters[k]
		rv, inRemote := remote.Parameters[k]
		field := "parameters." + k
		switch {
		case inLocal && !inRemote:
			out = append(out, Divergence{Kind: DivergenceParamMissing, Field: field, Local: lv})
		case !inLocal && inRemote:
			out = append(out, Divergence{Kind: DivergenceParamExtra, Field: field, Remote: rv})
		case !paramEqual(lv, rv, tol):
			out = append(out, Divergence{Kind: DivergenceParameter, Field: field, Local: lv, Remote: rv})
		}
	}
	return out
}

func paramEqual(a, b any, tol Tolerances) bool {
	af, aNum := domain.ParamFloat(a)
	bf, bNum := domain.ParamFloat(b)
	if aNum && bNum {
		diff := math.Abs(af - bf)
		if diff <= tol.ParamAbs {
			return true
		}
		return diff <= tol.ParamRel*math.Max(math.Abs(af), math.Abs(bf))
	}
	return reflect.DeepEqual(a, b)
}
