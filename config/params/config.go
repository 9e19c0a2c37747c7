// Package params defines the runtime configuration for every airlift
// service, with defaults overridable from the environment.
package params

// Config holds the tunables shared across the control plane. Fields map
// one to one onto the deployment's environment variables.
type Config struct {
	// Dispatcher scheduling.
	AssignerTickMs   int `env:"ASSIGNER_TICK_MS"`
	PendingScanLimit int `env:"PENDING_SCAN_LIMIT"`
	MaxAssignPerTick int `env:"MAX_ASSIGN_PER_ROUND"`

	// Energy planning. The planner drains pessimistically relative to
	// the simulator; the gap acts as an extra reserve.
	PlanBatteryPerKM float64 `env:"BATTERY_PER_KM"`
	SimBatteryPerKM  float64 `env:"SIM_BATTERY_PER_KM"`
	SafetyMarginPct  float64 `env:"SAFETY_MARGIN_PCT"`

	// Assignment geometry.
	NearEpsKM   float64 `env:"NEAR_EPS_KM"`
	MaxPickupKM float64 `env:"MAX_PICKUP_KM"`
	ArriveEpsKM float64 `env:"ARRIVE_EPS_KM"`

	// Battery governance.
	CriticalBattery      float64 `env:"CRITICAL_BATTERY"`
	FullAfter            float64 `env:"FULL_AFTER"`
	EarlyChargeThreshold int     `env:"EARLY_CHARGE_THRESHOLD"`
	ChargePerTick        float64 `env:"CHARGE_PER_TICK"`

	// Fleet sizing.
	DronePoolMax int     `env:"DRONE_POOL_MAX"`
	BaseActive   int     `env:"BASE_ACTIVE"`
	ScaleRatio   float64 `env:"SCALE_RATIO"`

	// Simulator.
	DroneTickSec  float64 `env:"DRONE_TICK_SEC"`
	EventQueueMax int     `env:"EVENT_QUEUE_MAX"`

	// Replicated KV.
	ReplicationFactor int     `env:"RF"`
	HintFlushSec      float64 `env:"HINT_FLUSH_SEC"`
	CacheMaxItems     int     `env:"CACHE_MAX_ITEMS"`
	CacheMaxBytes     int     `env:"CACHE_MAX_BYTES"`
	LockTTLSec        float64 `env:"LOCK_TTL_SEC"`
	DispatchLockTTL   float64 `env:"DISPATCH_LOCK_TTL_SEC"`

	// Zone grid.
	GridRows   int     `env:"GRID_ROWS"`
	GridCols   int     `env:"GRID_COLS"`
	GridMinLat float64 `env:"GRID_MIN_LAT"`
	GridMaxLat float64 `env:"GRID_MAX_LAT"`
	GridMinLon float64 `env:"GRID_MIN_LON"`
	GridMaxLon float64 `env:"GRID_MAX_LON"`

	// Boundary services.
	ResolveTTLSec      float64 `env:"RESOLVE_TTL_SEC"`
	RateLimitPerSec    float64 `env:"RATE_LIMIT_RPS"`
	RateLimitBurst     int64   `env:"RATE_LIMIT_BURST"`
	DroneEnrichWorkers int     `env:"DRONE_ENRICH_CONCURRENCY"`
	ZoneCacheTTLSec    float64 `env:"ZONE_CACHE_TTL_SEC"`

	// HTTP client timeout, seconds.
	KVTimeoutSec float64 `env:"KV_TIMEOUT_SEC"`
}

func mainnetAirliftConfig() *Config {
	return &Config{
		AssignerTickMs:   200,
		PendingScanLimit: 500,
		MaxAssignPerTick: 100,

		PlanBatteryPerKM: 2.0,
		SimBatteryPerKM:  1.2,
		SafetyMarginPct:  5.0,

		NearEpsKM:   0.2,
		MaxPickupKM: 20.0,
		ArriveEpsKM: 0.02,

		CriticalBattery:      30.0,
		FullAfter:            95.0,
		EarlyChargeThreshold: 5,
		ChargePerTick:        5.0,

		DronePoolMax: 20,
		BaseActive:   4,
		ScaleRatio:   0.8,

		DroneTickSec:  0.05,
		EventQueueMax: 2000,

		ReplicationFactor: 2,
		HintFlushSec:      2,
		CacheMaxItems:     2048,
		CacheMaxBytes:     8 << 20,
		LockTTLSec:        30,
		DispatchLockTTL:   20,

		GridRows:   2,
		GridCols:   2,
		GridMinLat: 41.80,
		GridMaxLat: 41.98,
		GridMinLon: 12.37,
		GridMaxLon: 12.60,

		ResolveTTLSec:      5,
		RateLimitPerSec:    20,
		RateLimitBurst:     40,
		DroneEnrichWorkers: 20,
		ZoneCacheTTLSec:    30,

		KVTimeoutSec: 5,
	}
}

var airliftConfig = fromEnv(mainnetAirliftConfig())

// AirliftConfig returns the active configuration.
func AirliftConfig() *Config {
	return airliftConfig
}

// OverrideAirliftConfig replaces the active configuration. Tests use this
// to install a copy with adjusted knobs.
func OverrideAirliftConfig(c *Config) {
	airliftConfig = c
}

// Copy returns a value copy so callers can adjust overrides without
// touching the active singleton.
func (c *Config) Copy() *Config {
	conf := *c
	return &conf
}
