package config

// Default values for configuration options. These are "layer 0" of the
// override chain.
const (
	defaultInterval       = "3s"
	defaultIdlePause      = "1s"
	defaultBandwidthLimit = "0"
	defaultMinFreeSpace   = "0"
	defaultLogLevel       = "info"
	defaultLogFormat      = "text"
)

// DefaultConfig returns a Config populated with all default values. It is the
// starting point for TOML decoding, so unset fields keep their defaults.
func DefaultConfig() *Config {
	return &Config{
		Sync: SyncConfig{
			Interval:  defaultInterval,
			IdlePause: defaultIdlePause,
		},
		Transfers: TransfersConfig{
			BandwidthLimit: defaultBandwidthLimit,
		},
		Safety: SafetyConfig{
			MinFreeSpace: defaultMinFreeSpace,
		},
		Logging: LoggingConfig{
			LogLevel:  defaultLogLevel,
			LogFormat: defaultLogFormat,
		},
	}
}
