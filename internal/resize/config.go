package resize

// Config carries the scheduler's tunables. Zero or negative values for
// structural limits are normalized to safe defaults rather than
// rejected; a pathological configuration must never make resize
// scheduling unavailable.
type Config struct {
	// MaxPendingPanes bounds how many distinct panes may hold pending
	// work at once. Submissions beyond the bound are dropped at
	// admission as backpressure.
	MaxPendingPanes int `yaml:"max_pending_panes"`

	// FrameBudgetUnits is the nominal per-frame work-unit budget used
	// by ScheduleFrame when the caller does not supply one.
	FrameBudgetUnits uint32 `yaml:"frame_budget_units"`

	// AgingCreditPerFrame is added to every pane passed over in a
	// frame; MaxAgingCredit clamps the accumulated credit.
	AgingCreditPerFrame uint32 `yaml:"aging_credit_per_frame"`
	MaxAgingCredit      uint32 `yaml:"max_aging_credit"`

	// MaxDeferralsBeforeForce is the hard starvation bound: a pane
	// deferred this many frames is admitted on a later frame
	// regardless of budget ranking. Zero disables forcing.
	MaxDeferralsBeforeForce int `yaml:"max_deferrals_before_force"`

	// DomainBudgetEnabled turns on per-domain fair-share ranking so no
	// single connection domain monopolizes frames.
	DomainBudgetEnabled bool `yaml:"domain_budget_enabled"`

	// Input guardrail: when enabled and the reported input backlog
	// exceeds InputBacklogThreshold, InputReserveUnits are carved out
	// of the frame budget for input responsiveness.
	InputGuardrailEnabled bool   `yaml:"input_guardrail_enabled"`
	InputBacklogThreshold int    `yaml:"input_backlog_threshold"`
	InputReserveUnits     uint32 `yaml:"input_reserve_units"`

	// Storm throttling: a tab whose submission count within the
	// trailing StormWindowMillis window exceeds StormThresholdIntents
	// may have at most MaxStormPicksPerTab panes selected per frame.
	StormWindowMillis     int64 `yaml:"storm_window_ms"`
	StormThresholdIntents int   `yaml:"storm_threshold_intents"`
	MaxStormPicksPerTab   int   `yaml:"max_storm_picks_per_tab"`

	// AllowSingleOversubscription lets one final candidate per frame
	// exceed the remaining budget, so a pane whose single unit of work
	// is larger than the per-frame remainder is not deferred forever.
	AllowSingleOversubscription bool `yaml:"allow_single_oversubscription"`

	// LifecycleLogCapacity bounds the in-memory lifecycle event ring.
	LifecycleLogCapacity int `yaml:"lifecycle_log_capacity"`
}

func DefaultConfig() Config {
	return Config{
		MaxPendingPanes:             256,
		FrameBudgetUnits:            8,
		AgingCreditPerFrame:         1,
		MaxAgingCredit:              64,
		MaxDeferralsBeforeForce:     8,
		DomainBudgetEnabled:         true,
		InputGuardrailEnabled:       true,
		InputBacklogThreshold:       16,
		InputReserveUnits:           2,
		StormWindowMillis:           500,
		StormThresholdIntents:       8,
		MaxStormPicksPerTab:         2,
		AllowSingleOversubscription: true,
		LifecycleLogCapacity:        1024,
	}
}

// normalized returns a copy with degenerate structural limits replaced
// by the defaults. Policy booleans are left as configured.
func (c Config) normalized() Config {
	defaults := DefaultConfig()
	if c.MaxPendingPanes <= 0 {
		c.MaxPendingPanes = defaults.MaxPendingPanes
	}
	if c.FrameBudgetUnits == 0 {
		c.FrameBudgetUnits = 1
	}
	if c.MaxAgingCredit == 0 {
		c.MaxAgingCredit = defaults.MaxAgingCredit
	}
	if c.StormWindowMillis <= 0 {
		c.StormWindowMillis = defaults.StormWindowMillis
	}
	if c.StormThresholdIntents <= 0 {
		c.StormThresholdIntents = defaults.StormThresholdIntents
	}
	if c.MaxStormPicksPerTab <= 0 {
		c.MaxStormPicksPerTab = defaults.MaxStormPicksPerTab
	}
	if c.LifecycleLogCapacity <= 0 {
		c.LifecycleLogCapacity = defaults.LifecycleLogCapacity
	}
	return c
}
