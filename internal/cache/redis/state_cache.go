package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/stratfleet/internal/domain"
)

// stateTTL bounds how long a state survives without a reconciliation, so
// strategies that disappear from the engine age out of the cache.
const stateTTL = 24 * time.Hour

// StateCache implements domain.StateCache on Redis so every coordinator
// replica sees the same local strategy states.
//
// Key schema:
//
//	stratfleet:state:{strategyID} - sonic-encoded LocalStrategyState
//	stratfleet:state:index        - set of cached strategy IDs
type StateCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewStateCache creates a StateCache backed by c.
func NewStateCache(c *Client) *StateCache {
	return &StateCache{rdb: c.Underlying(), ttl: stateTTL}
}

func stateKey(id string) string { return key("state", id) }

var stateIndexKey = key("state", "index")

// storedState is the wire form. Parameters keep their JSON types; numbers
// come back as float64.
type storedState struct {
	StrategyID  string                     `json:"strategy_id"`
	Status      domain.StrategyStatus      `json:"status"`
	Parameters  map[string]any             `json:"parameters"`
	Performance domain.StrategyPerformance `json:"performance"`
	StartTime   time.Time                  `json:"start_time"`
	LastUpdate  time.Time                  `json:"last_update"`
	Version     int64                      `json:"version"`
}

func toStored(s domain.LocalStrategyState) storedState {
	return storedState(s)
}

func (s storedState) toDomain() domain.LocalStrategyState {
	out := domain.LocalStrategyState(s)
	if out.Parameters == nil {
		out.Parameters = map[string]any{}
	}
	return out
}

// Get returns the cached state for strategyID or domain.ErrNotFound.
func (c *StateCache) Get(ctx context.Context, strategyID string) (domain.LocalStrategyState, error) {
	data, err := c.rdb.Get(ctx, stateKey(strategyID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.LocalStrategyState{}, fmt.Errorf("redis: state %s: %w", strategyID, domain.ErrNotFound)
		}
		return domain.LocalStrategyState{}, fmt.Errorf("redis: get state %s: %w", strategyID, err)
	}
	var st storedState
	if err := sonic.Unmarshal(data, &st); err != nil {
		return domain.LocalStrategyState{}, fmt.Errorf("redis: decode state %s: %w", strategyID, err)
	}
	return st.toDomain(), nil
}

// Set stores state and refreshes its TTL.
func (c *StateCache) Set(ctx context.Context, state domain.LocalStrategyState) error {
	data, err := sonic.Marshal(toStored(state))
	if err != nil {
		return fmt.Errorf("redis: encode state %s: %w", state.StrategyID, err)
	}
	pipe := c.rdb.TxPipeline()
	pipe.Set(ctx, stateKey(state.StrategyID), data, c.ttl)
	pipe.SAdd(ctx, stateIndexKey, state.StrategyID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set state %s: %w", state.StrategyID, err)
	}
	return nil
}

// Delete removes the state for strategyID.
func (c *StateCache) Delete(ctx context.Context, strategyID string) error {
	pipe := c.rdb.TxPipeline()
	pipe.Del(ctx, stateKey(strategyID))
	pipe.SRem(ctx, stateIndexKey, strategyID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: delete state %s: %w", strategyID, err)
	}
	return nil
}

// List returns every cached state sorted by strategy ID. Index entries whose
// state has expired are pruned.
func (c *StateCache) List(ctx context.Context) ([]domain.LocalStrategyState, error) {
	ids, err := c.rdb.SMembers(ctx, stateIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list states: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	sort.Strings(ids)

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = stateKey(id)
	}
	vals, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list states: %w", err)
	}

	out := make([]domain.LocalStrategyState, 0, len(ids))
	var stale []any
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var st storedState
		if err := sonic.UnmarshalString(raw, &st); err != nil {
			return nil, fmt.Errorf("redis: decode state %s: %w", ids[i], err)
		}
		out = append(out, st.toDomain())
	}
	if len(stale) > 0 {
		_ = c.rdb.SRem(ctx, stateIndexKey, stale...).Err()
	}
	return out, nil
}

var _ domain.StateCache = (*StateCache)(nil)
