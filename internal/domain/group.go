package domain

import "time"

// GroupType is derived from the mix of strategies in a coordinated group.
type GroupType string

const (
	GroupCoordinatedGrid         GroupType = "coordinated_grid"
	GroupCoordinatedMarketMaking GroupType = "coordinated_market_making"
	GroupCoordinatedArbitrage    GroupType = "coordinated_arbitrage"
	GroupMultiStrategy           GroupType = "multi_strategy"
)

// GroupStatus is the lifecycle of a coordinated group:
// pending -> active -> (paused | active on a new exchange) -> closed.
type GroupStatus string

const (
	GroupPending GroupStatus = "pending"
	GroupActive  GroupStatus = "active"
	GroupPaused  GroupStatus = "paused"
	GroupClosed  GroupStatus = "closed"
)

// CoordinatedGroup is a set of strategies deployed together across exchanges.
type CoordinatedGroup struct {
	ID         string
	Type       GroupType
	Status     GroupStatus
	Strategies []StrategyExecution
	Exchanges  []string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Clone deep-copies the group's strategies.
func (g CoordinatedGroup) Clone() CoordinatedGroup {
	out := g
	out.Strategies = make([]StrategyExecution, len(g.Strategies))
	for i, s := range g.Strategies {
		out.Strategies[i] = s.Clone()
	}
	out.Exchanges = append([]string(nil), g.Exchanges...)
	return out
}
