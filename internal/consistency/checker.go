// Package consistency validates that strategy records reported by the
// execution engines are internally sane and, when enabled, pushes corrected
// records back.
package consistency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/stratfleet/internal/domain"
	"github.com/alanyoungcy/stratfleet/internal/events"
)

// Severity grades a violation. Warnings are reported but never make a
// report unsuccessful.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Violation codes.
const (
	CodeTradeCounts      = "successful_trades_exceed_total"
	CodeFillRate         = "fill_rate_out_of_range"
	CodeNegativeLatency  = "negative_latency"
	CodeUnknownStatus    = "unknown_status"
	CodeMissingParameter = "missing_parameter"
	CodeParameterRange   = "parameter_out_of_range"
	CodeParameterType    = "parameter_not_numeric"
	CodeFutureStart      = "start_time_in_future"
	CodeEndBeforeStart   = "end_time_before_start"
	CodeInactive         = "inactive_strategy"
)

// Violation is one failed check.
type Violation struct {
	Code      string   `json:"code"`
	Field     string   `json:"field"`
	Message   string   `json:"message"`
	Severity  Severity `json:"severity"`
	Corrected bool     `json:"corrected"`
	Original  any      `json:"original,omitempty"`
	Fixed     any      `json:"fixed,omitempty"`
}

// CheckError reports a strategy that could not be checked or whose
// correction could not be pushed.
type CheckError struct {
	StrategyID string `json:"strategy_id"`
	Op         string `json:"op"`
	Err        error  `json:"-"`
	Message    string `json:"message"`
}

func newCheckError(id, op string, err error) *CheckError {
	return &CheckError{StrategyID: id, Op: op, Err: err, Message: err.Error()}
}

func (e *CheckError) Error() string {
	return fmt.Sprintf("consistency: %s %s: %v", e.Op, e.StrategyID, e.Err)
}

func (e *CheckError) Unwrap() error { return e.Err }

// CheckResult is the outcome of checking one record.
type CheckResult struct {
	StrategyID string                   `json:"strategy_id"`
	Violations []Violation              `json:"violations,omitempty"`
	Corrected  bool                     `json:"corrected"`
	Record     domain.StrategyExecution `json:"-"`
	Err        *CheckError              `json:"error,omitempty"`
}

// Unresolved counts error-severity violations that were not corrected.
func (r CheckResult) Unresolved() int {
	n := 0
	for _, v := range r.Violations {
		if v.Severity == SeverityError && !v.Corrected {
			n++
		}
	}
	return n
}

// CorrectedCount counts violations that were corrected.
func (r CheckResult) CorrectedCount() int {
	n := 0
	for _, v := range r.Violations {
		if v.Corrected {
			n++
		}
	}
	return n
}

// Config controls checking.
type Config struct {
	Enabled             bool
	AutoCorrect         bool
	CheckInterval       time.Duration
	InactivityThreshold time.Duration
}

// DefaultConfig returns the default checker settings.
func DefaultConfig() Config {
	return Config{
		Enabled:             true,
		AutoCorrect:         true,
		CheckInterval:       5 * time.Minute,
		InactivityThreshold: time.Hour,
	}
}

// StrategySource is the part of the engine the checker reads and writes.
type StrategySource interface {
	ListActiveStrategies(ctx context.Context) ([]domain.StrategyExecution, error)
	GetStrategy(ctx context.Context, id string) (domain.StrategyExecution, error)
	ReplaceStrategy(ctx context.Context, s domain.StrategyExecution) error
}

// Checker runs consistency checks.
type Checker struct {
	source   StrategySource
	archiver domain.ReportArchiver
	cfg      atomic.Pointer[Config]
	emitter  events.Emitter
	logger   *slog.Logger
	now      func() time.Time

	mu   sync.RWMutex
	last *Report
}

// NewChecker creates a Checker. archiver may be nil.
func NewChecker(source StrategySource, archiver domain.ReportArchiver, cfg Config, emitter events.Emitter, logger *slog.Logger) *Checker {
	if emitter == nil {
		emitter = events.Nop{}
	}
	c := &Checker{
		source:   source,
		archiver: archiver,
		emitter:  emitter,
		logger:   logger.With(slog.String("component", "consistency_checker")),
		now:      func() time.Time { return time.Now().UTC() },
	}
	c.cfg.Store(&cfg)
	return c
}

// UpdateConfig replaces the configuration from the next check onward.
func (c *Checker) UpdateConfig(cfg Config) {
	c.cfg.Store(&cfg)
}

// CheckStrategyConsistency checks one record. When auto-correction is on the
// returned Record carries the fixes; otherwise it is an unchanged copy.
func (c *Checker) CheckStrategyConsistency(rec domain.StrategyExecution) CheckResult {
	return c.check(*c.cfg.Load(), rec)
}

func (c *Checker) check(cfg Config, rec domain.StrategyExecution) CheckResult {
	out := rec.Clone()
	res := CheckResult{StrategyID: rec.ID}
	fix := cfg.AutoCorrect
	now := c.now()

	add := func(v Violation) {
		v.Corrected = fix && v.Severity == SeverityError && v.Fixed != nil
		res.Violations = append(res.Violations, v)
	}

	perf := &out.Performance
	if perf.SuccessfulTrades > perf.TotalTrades {
		add(Violation{
			Code: CodeTradeCounts, Field: "performance.total_trades", Severity: SeverityError,
			Message:  fmt.Sprintf("successful trades %d exceed total %d", perf.SuccessfulTrades, perf.TotalTrades),
			Original: perf.TotalTrades, Fixed: perf.SuccessfulTrades,
		})
		if fix {
			perf.TotalTrades = perf.SuccessfulTrades
		}
	}

	if math.IsNaN(perf.FillRate) || perf.FillRate < 0 || perf.FillRate > 1 {
		fixed := 0.0
		if perf.FillRate > 1 {
			fixed = 1.0
		}
		add(Violation{
			Code: CodeFillRate, Field: "performance.fill_rate", Severity: SeverityError,
			Message:  fmt.Sprintf("fill rate %g outside [0, 1]", perf.FillRate),
			Original: finite(perf.FillRate), Fixed: fixed,
		})
		if fix {
			perf.FillRate = fixed
		}
	}

	if perf.AvgLatencyMs < 0 {
		add(Violation{
			Code: CodeNegativeLatency, Field: "performance.avg_latency_ms", Severity: SeverityError,
			Message:  fmt.Sprintf("average latency %g is negative", perf.AvgLatencyMs),
			Original: finite(perf.AvgLatencyMs), Fixed: 0.0,
		})
		if fix {
			perf.AvgLatencyMs = 0
		}
	}

	if !out.Status.Valid() {
		add(Violation{
			Code: CodeUnknownStatus, Field: "status", Severity: SeverityError,
			Message:  fmt.Sprintf("unknown status %q", out.Status),
			Original: string(out.Status), Fixed: string(domain.StrategyError),
		})
		if fix {
			out.Status = domain.StrategyError
		}
	}

	c.checkParameters(&out, add, fix)

	if !out.StartTime.IsZero() && out.StartTime.After(now) {
		add(Violation{
			Code: CodeFutureStart, Field: "start_time", Severity: SeverityError,
			Message:  fmt.Sprintf("start time %s is in the future", out.StartTime.Format(time.RFC3339)),
			Original: out.StartTime, Fixed: now,
		})
		if fix {
			out.StartTime = now
		}
	}

	if out.EndTime != nil && !out.StartTime.IsZero() && out.EndTime.Before(out.StartTime) {
		add(Violation{
			Code: CodeEndBeforeStart, Field: "end_time", Severity: SeverityError,
			Message:  "end time precedes start time",
			Original: *out.EndTime, Fixed: out.StartTime,
		})
		if fix {
			end := out.StartTime
			out.EndTime = &end
		}
	}

	if cfg.InactivityThreshold > 0 && out.Status == domain.StrategyActive &&
		out.Performance.TotalTrades == 0 && !out.StartTime.IsZero() &&
		now.Sub(out.StartTime) > cfg.InactivityThreshold {
		add(Violation{
			Code: CodeInactive, Field: "performance.total_trades", Severity: SeverityWarning,
			Message: fmt.Sprintf("active for %s without a trade", now.Sub(out.StartTime).Round(time.Second)),
		})
	}

	res.Corrected = res.CorrectedCount() > 0
	res.Record = out
	return res
}

func (c *Checker) checkParameters(out *domain.StrategyExecution, add func(Violation), fix bool) {
	rule, ok := RuleFor(out.Type)
	if !ok {
		return
	}
	if out.Parameters == nil {
		out.Parameters = map[string]any{}
	}

	for _, key := range rule.Required {
		if _, present := out.Parameters[key]; present {
			continue
		}
		def, hasDefault := rule.Defaults[key]
		v := Violation{
			Code: CodeMissingParameter, Field: "parameters." + key, Severity: SeverityError,
			Message: fmt.Sprintf("required parameter %q missing", key),
		}
		if hasDefault {
			v.Fixed = def
			if fix {
				out.Parameters[key] = def
			}
		}
		add(v)
	}

	keys := make([]string, 0, len(rule.Ranges))
	for k := range rule.Ranges {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		raw, present := out.Parameters[key]
		if !present {
			continue
		}
		rng := rule.Ranges[key]
		val, numeric := domain.ParamFloat(raw)
		if !numeric {
			v := Violation{
				Code: CodeParameterType, Field: "parameters." + key, Severity: SeverityError,
				Message:  fmt.Sprintf("parameter %q is not numeric", key),
				Original: raw,
			}
			if def, ok := rule.Defaults[key]; ok {
				v.Fixed = def
				if fix {
					out.Parameters[key] = def
				}
			}
			add(v)
			continue
		}
		if val >= rng.Min && val <= rng.Max {
			continue
		}
		clamped := math.Min(math.Max(val, rng.Min), rng.Max)
		if math.IsNaN(val) {
			clamped = rng.Min
			if def, ok := domain.ParamFloat(rule.Defaults[key]); ok {
				clamped = def
			}
		}
		add(Violation{
			Code: CodeParameterRange, Field: "parameters." + key, Severity: SeverityError,
			Message:  fmt.Sprintf("parameter %q = %g outside [%g, %g]", key, val, rng.Min, rng.Max),
			Original: finite(val), Fixed: clamped,
		})
		if fix {
			out.Parameters[key] = clamped
		}
	}
}

// Report summarises one full consistency pass.
type Report struct {
	ID              string        `json:"id"`
	StartedAt       time.Time     `json:"started_at"`
	FinishedAt      time.Time     `json:"finished_at"`
	Checked         int           `json:"checked"`
	WithViolations  int           `json:"with_violations"`
	TotalViolations int           `json:"total_violations"`
	Corrected       int           `json:"corrected"`
	Unresolved      int           `json:"unresolved"`
	Results         []CheckResult `json:"results,omitempty"`
	Errors          []*CheckError `json:"errors,omitempty"`
	Success         bool          `json:"success"`
	ArchivePath     string        `json:"archive_path,omitempty"`
}

// ArchiveKey names the archived copy of the report.
func (r Report) ArchiveKey() string {
	return "consistency/" + r.ID
}

// PerformConsistencyCheck checks every active strategy, pushes corrected
// records back, and archives the report when an archiver is configured.
func (c *Checker) PerformConsistencyCheck(ctx context.Context) Report {
	cfg := *c.cfg.Load()
	rep := Report{ID: uuid.NewString(), StartedAt: c.now()}

	list, err := c.source.ListActiveStrategies(ctx)
	if err != nil {
		rep.Errors = append(rep.Errors, newCheckError("*", "list", err))
		return c.complete(ctx, rep)
	}

	for _, rec := range list {
		res := c.check(cfg, rec)
		rep.Checked++
		c.apply(ctx, &rep, res)
	}
	return c.complete(ctx, rep)
}

// ForceCheck checks a single strategy now. A strategy that cannot be loaded
// yields a result whose Err is set.
func (c *Checker) ForceCheck(ctx context.Context, id string) CheckResult {
	rec, err := c.source.GetStrategy(ctx, id)
	if err != nil {
		op := "get"
		if errors.Is(err, domain.ErrNotFound) {
			op = "not found"
		}
		return CheckResult{StrategyID: id, Err: newCheckError(id, op, err)}
	}
	res := c.check(*c.cfg.Load(), rec)
	var rep Report
	c.apply(ctx, &rep, res)
	if len(rep.Errors) > 0 {
		res.Err = rep.Errors[0]
	}
	return res
}

func (c *Checker) apply(ctx context.Context, rep *Report, res CheckResult) {
	if len(res.Violations) == 0 {
		return
	}
	rep.WithViolations++
	rep.TotalViolations += len(res.Violations)

	codes := make([]string, len(res.Violations))
	for i, v := range res.Violations {
		codes[i] = v.Code
	}
	c.logger.WarnContext(ctx, "consistency violations",
		slog.String("strategy_id", res.StrategyID),
		slog.Any("codes", codes),
	)
	c.emitter.Emit(ctx, "consistency", events.ConsistencyViolation, map[string]any{
		"strategy_id": res.StrategyID,
		"codes":       codes,
	})

	if res.Corrected {
		if err := c.source.ReplaceStrategy(ctx, res.Record); err != nil {
			ce := newCheckError(res.StrategyID, "push correction", err)
			rep.Errors = append(rep.Errors, ce)
			res.Err = ce
			rep.Unresolved += res.CorrectedCount()
		} else {
			rep.Corrected += res.CorrectedCount()
			c.emitter.Emit(ctx, "consistency", events.ConsistencyCorrected, map[string]any{
				"strategy_id": res.StrategyID,
				"corrected":   res.CorrectedCount(),
			})
		}
	}
	rep.Unresolved += res.Unresolved()
	rep.Results = append(rep.Results, res)
}

func (c *Checker) complete(ctx context.Context, rep Report) Report {
	rep.FinishedAt = c.now()
	rep.Success = rep.Unresolved == 0 && len(rep.Errors) == 0

	if c.archiver != nil {
		path, err := c.archiver.ArchiveReport(ctx, rep)
		if err != nil {
			c.logger.WarnContext(ctx, "report archive failed", slog.String("report_id", rep.ID), slog.String("error", err.Error()))
		} else {
			rep.ArchivePath = path
		}
	}

	c.logger.InfoContext(ctx, "consistency check completed",
		slog.String("report_id", rep.ID),
		slog.Int("checked", rep.Checked),
		slog.Int("violations", rep.TotalViolations),
		slog.Int("corrected", rep.Corrected),
		slog.Int("unresolved", rep.Unresolved),
		slog.Bool("success", rep.Success),
	)
	c.emitter.Emit(ctx, "consistency", events.ConsistencyCheckComplete, map[string]any{
		"report_id":  rep.ID,
		"checked":    rep.Checked,
		"violations": rep.TotalViolations,
		"corrected":  rep.Corrected,
		"unresolved": rep.Unresolved,
		"success":    rep.Success,
	})

	c.mu.Lock()
	c.last = &rep
	c.mu.Unlock()
	return rep
}

// LastReport returns the most recent full report, if any.
func (c *Checker) LastReport() (Report, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.last == nil {
		return Report{}, false
	}
	return *c.last, true
}

// Run performs a full check every CheckInterval while enabled.
func (c *Checker) Run(ctx context.Context) error {
	interval := c.checkInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if c.cfg.Load().Enabled {
				c.PerformConsistencyCheck(ctx)
			}
			if next := c.checkInterval(); next != interval {
				interval = next
				ticker.Reset(interval)
			}
		}
	}
}

func (c *Checker) checkInterval() time.Duration {
	if d := c.cfg.Load().CheckInterval; d > 0 {
		return d
	}
	return DefaultConfig().CheckInterval
}

// finite returns v, or its text form when v is NaN or infinite, so reports
// stay encodable as JSON.
func finite(v float64) any {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return strconv.FormatFloat(v, 'g', -1, 64)
	}
	return v
}
