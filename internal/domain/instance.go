package domain

import "time"

// InstanceStatus is the lifecycle state reported by a remote execution engine.
type InstanceStatus string

const (
	InstanceStarting  InstanceStatus = "starting"
	InstanceRunning   InstanceStatus = "running"
	InstanceStopping  InstanceStatus = "stopping"
	InstanceStopped   InstanceStatus = "stopped"
	InstanceError     InstanceStatus = "error"
	InstanceUnhealthy InstanceStatus = "unhealthy"
)

// ResourceUsage is the last resource sample reported by an instance.
type ResourceUsage struct {
	CPUPercent          float64
	MemoryUsedMB        float64
	MemoryLimitMB       float64
	NetworkInMbps       float64
	NetworkOutMbps      float64
	NetworkCapacityMbps float64
	DiskPercent         float64
}

// MemoryPercent returns used memory as a percentage of the limit.
func (r ResourceUsage) MemoryPercent() float64 {
	if r.MemoryLimitMB <= 0 {
		return 0
	}
	return clampPct(r.MemoryUsedMB / r.MemoryLimitMB * 100)
}

// NetworkPercent returns combined in/out traffic as a percentage of capacity.
func (r ResourceUsage) NetworkPercent() float64 {
	if r.NetworkCapacityMbps <= 0 {
		return 0
	}
	return clampPct((r.NetworkInMbps + r.NetworkOutMbps) / r.NetworkCapacityMbps * 100)
}

// LoadPercent is the plain average of CPU, memory and network load.
func (r ResourceUsage) LoadPercent() float64 {
	return (clampPct(r.CPUPercent) + r.MemoryPercent() + r.NetworkPercent()) / 3
}

func clampPct(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// InstancePerformance holds cumulative counters for an instance.
type InstancePerformance struct {
	UptimeSeconds int64
	TotalTrades   int64
	TotalVolume   float64
	TotalPnL      float64
	AvgLatencyMs  float64
	ErrorRate     float64 // 0..1
}

// StrategyRef is the summary of a strategy hosted on an instance.
type StrategyRef struct {
	ID   string
	Type StrategyType
	PnL  float64
}

// Instance is a remote execution engine process. The core observes instances;
// it never creates them.
type Instance struct {
	ID            string
	Exchange      string
	Status        InstanceStatus
	Resources     ResourceUsage
	Performance   InstancePerformance
	HealthScore   float64 // 0..100
	MaxStrategies int
	Strategies    []StrategyRef
	LastSeen      time.Time
}

// FreeCapacityPercent returns the share of strategy slots still available.
// An instance with no declared limit reports full capacity.
func (i Instance) FreeCapacityPercent() float64 {
	if i.MaxStrategies <= 0 {
		return 100
	}
	free := float64(i.MaxStrategies-len(i.Strategies)) / float64(i.MaxStrategies) * 100
	return clampPct(free)
}

// Clone returns a copy that shares no slices with i.
func (i Instance) Clone() Instance {
	out := i
	if i.Strategies != nil {
		out.Strategies = append([]StrategyRef(nil), i.Strategies...)
	}
	return out
}

// Connection is what a recovery attempt obtains from an instance.
type Connection struct {
	InstanceID string
	Status     string
	APIVersion string
	LastPing   time.Time
}

// ConnectionConnected is the only Connection.Status accepted by recovery.
const ConnectionConnected = "connected"

// RecoveryAttempt is the in-flight state of one instance's reconnection.
type RecoveryAttempt struct {
	InstanceID string
	Attempt    int
	Backoff    time.Duration
	StartedAt  time.Time
	LastError  string
}
