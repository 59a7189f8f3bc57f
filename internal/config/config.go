package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Producer kinds
const (
	KindRegime  = "regime"
	KindTrading = "trading"
)

// Environment overrides applied after the file is parsed
const (
	EnvRedisURL  = "WARREN_REDIS_URL"
	EnvPortfolio = "WARREN_PORTFOLIO"
)

// DefaultRedisURL is used when neither redis_url nor WARREN_REDIS_URL is set.
const DefaultRedisURL = "redis://localhost:6379"

// ScheduleParser parses cycle schedules. Six fields, seconds first, plus descriptors like @daily.
var ScheduleParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Config represents the top-level warren.yml configuration
type Config struct {
	Version   string              `yaml:"version"`
	Portfolio string              `yaml:"portfolio"`
	Schedule  string              `yaml:"schedule,omitempty"`  // cron spec for `warren serve`
	RedisURL  string              `yaml:"redis_url,omitempty"` // overridden by WARREN_REDIS_URL
	Logging   LoggingConfig       `yaml:"logging,omitempty"`
	Data      DataConfig          `yaml:"data"`
	Universe  []Instrument        `yaml:"universe"`
	Regime    RegimeConfig        `yaml:"regime"`
	Sizing    SizingConfig        `yaml:"sizing"`
	Risk      RiskConfig          `yaml:"risk"`
	Breakers  BreakerConfig       `yaml:"breakers,omitempty"`
	Drawdown  DrawdownConfig      `yaml:"drawdown"`
	Stages    StageConfig         `yaml:"stages,omitempty"`
	Producers map[string]Producer `yaml:"producers"`
	Feed      *FeedConfig         `yaml:"feed,omitempty"`
	Health    *HealthConfig       `yaml:"health,omitempty"`
}

// LoggingConfig selects the zap logger level and encoding
type LoggingConfig struct {
	Level  string `yaml:"level,omitempty"`  // debug, info, warn, error (default: info)
	Format string `yaml:"format,omitempty"` // json or console (default: json)
}

// DataConfig bounds how old market data may be at cycle start
type DataConfig struct {
	Staleness time.Duration `yaml:"staleness"`
}

// Instrument is a tradable symbol with its grouping for exposure limits
type Instrument struct {
	Symbol           string `yaml:"symbol"`
	Sector           string `yaml:"sector"`
	CorrelationGroup string `yaml:"correlation_group,omitempty"` // defaults to the sector
}

// RegimeConfig names the regime producer and maps each regime label to a risk multiplier
type RegimeConfig struct {
	Producer    string                     `yaml:"producer"`
	Multipliers map[string]decimal.Decimal `yaml:"multipliers"`
}

// SizingConfig holds the base risk budget and the hard caps applied after the sizing formula
type SizingConfig struct {
	BaseRiskPerTrade       decimal.Decimal `yaml:"base_risk_per_trade"`
	MaxPositionFraction    decimal.Decimal `yaml:"max_position_fraction"`
	MaxSectorFraction      decimal.Decimal `yaml:"max_sector_fraction"`
	MinCashReserveFraction decimal.Decimal `yaml:"min_cash_reserve_fraction"` // 0 = no reserve
}

// RiskConfig holds the Risk Gate limits beyond the sizing caps
type RiskConfig struct {
	MaxCorrelatedFraction decimal.Decimal `yaml:"max_correlated_fraction"`
	MaxTailRiskFraction   decimal.Decimal `yaml:"max_tail_risk_fraction"`
	TailATRMultiple       decimal.Decimal `yaml:"tail_atr_multiple"`
	MaxScalableViolations *int            `yaml:"max_scalable_violations,omitempty"` // default 1
}

// BreakerConfig holds per-provider circuit breaker thresholds
type BreakerConfig struct {
	LatencyThreshold      time.Duration    `yaml:"latency_threshold,omitempty"` // default for producers without their own
	DegradeAfter          *int             `yaml:"degrade_after,omitempty"`     // consecutive slow responses, default 3
	OpenAfter             *int             `yaml:"open_after,omitempty"`        // consecutive hard failures, default 5
	RecoverAfter          *int             `yaml:"recover_after,omitempty"`     // consecutive fast successes to leave degraded, default 3
	Cooldown              time.Duration    `yaml:"cooldown,omitempty"`          // default 1h
	DegradedTimeoutFactor *decimal.Decimal `yaml:"degraded_timeout_factor,omitempty"`
}

// DrawdownConfig holds the portfolio-level breaker thresholds
type DrawdownConfig struct {
	Caution           decimal.Decimal `yaml:"caution"`
	CautionMultiplier decimal.Decimal `yaml:"caution_multiplier"`
	Reduce            decimal.Decimal `yaml:"reduce"`
	ReduceMultiplier  decimal.Decimal `yaml:"reduce_multiplier"`
	Halt              decimal.Decimal `yaml:"halt"`
	UnwindWindow      time.Duration   `yaml:"unwind_window"`
	CycleInterval     time.Duration   `yaml:"cycle_interval"`
}

// StageConfig holds stage deadlines and fan-out bounds
type StageConfig struct {
	RegimeDeadline   time.Duration `yaml:"regime_deadline,omitempty"`   // default 2m
	ProposalDeadline time.Duration `yaml:"proposal_deadline,omitempty"` // default 5m
	MaxParallel      int           `yaml:"max_parallel,omitempty"`      // default 4
	LockTTL          time.Duration `yaml:"lock_ttl,omitempty"`          // default 30m
}

// Producer is a single analysis or proposal producer
type Producer struct {
	Kind             string        `yaml:"kind"` // regime or trading
	Command          []string      `yaml:"command"`
	Dir              string        `yaml:"dir,omitempty"`
	Environment      []string      `yaml:"environment,omitempty"`
	Timeout          time.Duration `yaml:"timeout"`
	LatencyThreshold time.Duration `yaml:"latency_threshold,omitempty"`
	Enabled          *bool         `yaml:"enabled,omitempty"` // default true
}

// IsEnabled reports whether the producer should be scheduled.
func (p Producer) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// FeedConfig points the file-backed collaborators at their data
type FeedConfig struct {
	MarketFile    string `yaml:"market_file"`
	PortfolioFile string `yaml:"portfolio_file"`
	SignalsFile   string `yaml:"signals_file"`
}

// HealthConfig configures the /healthz endpoint of `warren serve`
type HealthConfig struct {
	Addr string `yaml:"addr,omitempty"` // default :8080
}

// Validate performs strict validation on the configuration and applies defaults
// for operational settings. Financial thresholds have no defaults.
func (c *Config) Validate() error {
	if c.Version != "1.0" {
		return fmt.Errorf("unsupported version: %s (expected: 1.0)", c.Version)
	}

	if c.Portfolio == "" {
		return fmt.Errorf("portfolio is required")
	}

	if c.RedisURL == "" {
		c.RedisURL = DefaultRedisURL
	}

	if c.Schedule != "" {
		if _, err := ScheduleParser.Parse(c.Schedule); err != nil {
			return fmt.Errorf("invalid schedule %q: %w", c.Schedule, err)
		}
	}

	if err := c.Logging.validate(); err != nil {
		return err
	}

	if c.Data.Staleness <= 0 {
		return fmt.Errorf("data.staleness must be a positive duration")
	}

	if err := c.validateUniverse(); err != nil {
		return err
	}

	if err := c.validateProducers(); err != nil {
		return err
	}

	if err := c.validateRegime(); err != nil {
		return err
	}

	if err := c.Sizing.validate(); err != nil {
		return err
	}

	if err := c.Risk.validate(); err != nil {
		return err
	}

	if err := c.Breakers.validate(); err != nil {
		return err
	}

	if err := c.Drawdown.validate(); err != nil {
		return err
	}

	c.Stages.applyDefaults()
	if c.Stages.MaxParallel < 1 {
		return fmt.Errorf("stages.max_parallel must be >= 1, got %d", c.Stages.MaxParallel)
	}

	if c.Feed != nil {
		if c.Feed.MarketFile == "" || c.Feed.PortfolioFile == "" {
			return fmt.Errorf("feed: market_file and portfolio_file are required")
		}
	}

	if c.Health != nil && c.Health.Addr == "" {
		c.Health.Addr = ":8080"
	}

	return nil
}

func (l *LoggingConfig) validate() error {
	if l.Level == "" {
		l.Level = "info"
	}
	if l.Format == "" {
		l.Format = "json"
	}
	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging.level: %s (must be 'debug', 'info', 'warn', or 'error')", l.Level)
	}
	if l.Format != "json" && l.Format != "console" {
		return fmt.Errorf("invalid logging.format: %s (must be 'json' or 'console')", l.Format)
	}
	return nil
}

func (c *Config) validateUniverse() error {
	if len(c.Universe) == 0 {
		return fmt.Errorf("universe must list at least one instrument")
	}
	seen := make(map[string]bool, len(c.Universe))
	for i := range c.Universe {
		inst := &c.Universe[i]
		if inst.Symbol == "" {
			return fmt.Errorf("universe[%d]: symbol is required", i)
		}
		if seen[inst.Symbol] {
			return fmt.Errorf("universe: duplicate symbol %s", inst.Symbol)
		}
		seen[inst.Symbol] = true
		if inst.Sector == "" {
			return fmt.Errorf("universe %s: sector is required", inst.Symbol)
		}
		if inst.CorrelationGroup == "" {
			inst.CorrelationGroup = inst.Sector
		}
	}
	return nil
}

func (c *Config) validateProducers() error {
	if len(c.Producers) == 0 {
		return fmt.Errorf("no producers defined")
	}
	for name, p := range c.Producers {
		if err := p.Validate(name); err != nil {
			return err
		}
	}
	return nil
}

// Validate performs validation on a single producer configuration
func (p *Producer) Validate(name string) error {
	if p.Kind != KindRegime && p.Kind != KindTrading {
		return fmt.Errorf("producer '%s': invalid kind: %s (must be 'regime' or 'trading')", name, p.Kind)
	}
	if len(p.Command) == 0 {
		return fmt.Errorf("producer '%s': command is required", name)
	}
	if p.Timeout <= 0 {
		return fmt.Errorf("producer '%s': timeout must be a positive duration", name)
	}
	if p.LatencyThreshold < 0 {
		return fmt.Errorf("producer '%s': latency_threshold cannot be negative", name)
	}
	if p.Dir != "" {
		if _, err := os.Stat(p.Dir); os.IsNotExist(err) {
			return fmt.Errorf("producer '%s': dir does not exist: %s", name, p.Dir)
		}
	}
	return nil
}

func (c *Config) validateRegime() error {
	p, ok := c.Producers[c.Regime.Producer]
	if c.Regime.Producer == "" || !ok {
		return fmt.Errorf("regime.producer must name a configured producer, got %q", c.Regime.Producer)
	}
	if p.Kind != KindRegime {
		return fmt.Errorf("regime.producer '%s' must have kind 'regime'", c.Regime.Producer)
	}
	if !p.IsEnabled() {
		return fmt.Errorf("regime.producer '%s' cannot be disabled", c.Regime.Producer)
	}

	regimeCount := 0
	for _, p := range c.Producers {
		if p.Kind == KindRegime {
			regimeCount++
		}
	}
	if regimeCount != 1 {
		return fmt.Errorf("exactly one producer of kind 'regime' is required, found %d", regimeCount)
	}

	if len(c.Regime.Multipliers) == 0 {
		return fmt.Errorf("regime.multipliers must map at least one regime label")
	}
	for label, m := range c.Regime.Multipliers {
		if !unit(m) {
			return fmt.Errorf("regime.multipliers[%s] must be within [0,1], got %s", label, m)
		}
	}
	return nil
}

func (s *SizingConfig) validate() error {
	if !openUnit(s.BaseRiskPerTrade) {
		return fmt.Errorf("sizing.base_risk_per_trade must be within (0,1], got %s", s.BaseRiskPerTrade)
	}
	if !openUnit(s.MaxPositionFraction) {
		return fmt.Errorf("sizing.max_position_fraction must be within (0,1], got %s", s.MaxPositionFraction)
	}
	if !openUnit(s.MaxSectorFraction) {
		return fmt.Errorf("sizing.max_sector_fraction must be within (0,1], got %s", s.MaxSectorFraction)
	}
	if s.MaxSectorFraction.LessThan(s.MaxPositionFraction) {
		return fmt.Errorf("sizing.max_sector_fraction (%s) cannot be below max_position_fraction (%s)",
			s.MaxSectorFraction, s.MaxPositionFraction)
	}
	if !unit(s.MinCashReserveFraction) || s.MinCashReserveFraction.Equal(decimal.NewFromInt(1)) {
		return fmt.Errorf("sizing.min_cash_reserve_fraction must be within [0,1), got %s", s.MinCashReserveFraction)
	}
	return nil
}

func (r *RiskConfig) validate() error {
	if !openUnit(r.MaxCorrelatedFraction) {
		return fmt.Errorf("risk.max_correlated_fraction must be within (0,1], got %s", r.MaxCorrelatedFraction)
	}
	if !openUnit(r.MaxTailRiskFraction) {
		return fmt.Errorf("risk.max_tail_risk_fraction must be within (0,1], got %s", r.MaxTailRiskFraction)
	}
	if !r.TailATRMultiple.IsPositive() {
		return fmt.Errorf("risk.tail_atr_multiple must be positive, got %s", r.TailATRMultiple)
	}
	if r.MaxScalableViolations == nil {
		defaultViolations := 1
		r.MaxScalableViolations = &defaultViolations
	}
	if *r.MaxScalableViolations < 1 {
		return fmt.Errorf("risk.max_scalable_violations must be >= 1, got %d", *r.MaxScalableViolations)
	}
	return nil
}

func (b *BreakerConfig) validate() error {
	if b.LatencyThreshold == 0 {
		b.LatencyThreshold = 30 * time.Second
	}
	if b.Cooldown == 0 {
		b.Cooldown = time.Hour
	}
	b.DegradeAfter = defaultInt(b.DegradeAfter, 3)
	b.OpenAfter = defaultInt(b.OpenAfter, 5)
	b.RecoverAfter = defaultInt(b.RecoverAfter, 3)
	if b.DegradedTimeoutFactor == nil {
		half := decimal.NewFromFloat(0.5)
		b.DegradedTimeoutFactor = &half
	}

	if b.LatencyThreshold < 0 || b.Cooldown < 0 {
		return fmt.Errorf("breakers: latency_threshold and cooldown must be positive durations")
	}
	for name, v := range map[string]int{"degrade_after": *b.DegradeAfter, "open_after": *b.OpenAfter, "recover_after": *b.RecoverAfter} {
		if v < 1 {
			return fmt.Errorf("breakers.%s must be >= 1, got %d", name, v)
		}
	}
	if !openUnit(*b.DegradedTimeoutFactor) {
		return fmt.Errorf("breakers.degraded_timeout_factor must be within (0,1], got %s", b.DegradedTimeoutFactor)
	}
	return nil
}

func (d *DrawdownConfig) validate() error {
	for name, v := range map[string]decimal.Decimal{"caution": d.Caution, "reduce": d.Reduce, "halt": d.Halt} {
		if !openUnit(v) {
			return fmt.Errorf("drawdown.%s must be within (0,1], got %s", name, v)
		}
	}
	if !d.Caution.LessThan(d.Reduce) || !d.Reduce.LessThan(d.Halt) {
		return fmt.Errorf("drawdown thresholds must be strictly increasing: caution %s < reduce %s < halt %s",
			d.Caution, d.Reduce, d.Halt)
	}
	if !unit(d.CautionMultiplier) || !unit(d.ReduceMultiplier) {
		return fmt.Errorf("drawdown multipliers must be within [0,1]")
	}
	if d.ReduceMultiplier.GreaterThan(d.CautionMultiplier) {
		return fmt.Errorf("drawdown.reduce_multiplier (%s) cannot exceed caution_multiplier (%s)",
			d.ReduceMultiplier, d.CautionMultiplier)
	}
	if d.UnwindWindow <= 0 || d.CycleInterval <= 0 {
		return fmt.Errorf("drawdown.unwind_window and drawdown.cycle_interval must be positive durations")
	}
	return nil
}

func (s *StageConfig) applyDefaults() {
	if s.RegimeDeadline == 0 {
		s.RegimeDeadline = 2 * time.Minute
	}
	if s.ProposalDeadline == 0 {
		s.ProposalDeadline = 5 * time.Minute
	}
	if s.MaxParallel == 0 {
		s.MaxParallel = 4
	}
	if s.LockTTL == 0 {
		s.LockTTL = 30 * time.Minute
	}
}

// TradingProducers returns the names of enabled trading producers in lexical order.
func (c *Config) TradingProducers() []string {
	var names []string
	for name, p := range c.Producers {
		if p.Kind == KindTrading && p.IsEnabled() {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// LatencyThreshold returns the producer's latency threshold, falling back to the breaker default.
func (c *Config) LatencyThreshold(producer string) time.Duration {
	if p, ok := c.Producers[producer]; ok && p.LatencyThreshold > 0 {
		return p.LatencyThreshold
	}
	return c.Breakers.LatencyThreshold
}

// Instrument looks up a universe entry by symbol.
func (c *Config) Instrument(symbol string) (Instrument, bool) {
	for _, inst := range c.Universe {
		if inst.Symbol == symbol {
			return inst, true
		}
	}
	return Instrument{}, false
}

// Symbols returns the universe symbols in configuration order.
func (c *Config) Symbols() []string {
	symbols := make([]string, len(c.Universe))
	for i, inst := range c.Universe {
		symbols[i] = inst.Symbol
	}
	return symbols
}

// ApplyEnv overrides deployment settings from the environment.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvRedisURL); v != "" {
		c.RedisURL = v
	}
	if v := os.Getenv(EnvPortfolio); v != "" {
		c.Portfolio = v
	}
}

// Parse decodes and validates configuration bytes. Unknown fields are rejected.
func Parse(data []byte) (*Config, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var config Config
	if err := dec.Decode(&config); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to parse YAML: empty configuration")
		}
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	config.ApplyEnv()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Load reads and validates warren.yml from the specified path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

func defaultInt(v *int, def int) *int {
	if v != nil {
		return v
	}
	return &def
}

func unit(d decimal.Decimal) bool {
	return !d.IsNegative() && d.LessThanOrEqual(decimal.NewFromInt(1))
}

func openUnit(d decimal.Decimal) bool {
	return d.IsPositive() && d.LessThanOrEqual(decimal.NewFromInt(1))
}
