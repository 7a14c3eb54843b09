package settings

// DB config keys and defaults for runtime-tunable settings.
const (
	// SweepIntervalSecondsKey controls the reconciliation sweep cadence in seconds.
	SweepIntervalSecondsKey = "SWEEP_INTERVAL_SECONDS"
	// OperatorDestinationKey overrides the operator alert destination.
	OperatorDestinationKey = "OPERATOR_DESTINATION"
	// LowInventoryThresholdKey sets the free-credential count that triggers a restock alert.
	LowInventoryThresholdKey = "LOW_INVENTORY_THRESHOLD"

	// DefaultSweepIntervalSeconds is the fallback sweep cadence (seconds).
	// Must stay well under the 15-minute warning threshold.
	DefaultSweepIntervalSeconds = 180
	// DefaultLowInventoryThreshold is the fallback restock alert threshold.
	DefaultLowInventoryThreshold = 3
)
