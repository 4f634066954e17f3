package failover

// Strategy names for the attempt loop.
const (
	StrategyExhaustAll  = "exhaust_all"
	StrategyMaxAttempts = "max_attempts"
)

// Config controls when the attempt loop retries.
type Config struct {
	Strategy           string `yaml:"strategy" json:"strategy"`
	MaxAttempts        int    `yaml:"max_attempts" json:"max_attempts"`
	ExcludeStatusCodes []int  `yaml:"exclude_status_codes" json:"exclude_status_codes"`
}

// DefaultConfig exhausts every candidate and passes 400s through untouched.
func DefaultConfig() Config {
	return Config{
		Strategy:           StrategyExhaustAll,
		ExcludeStatusCodes: []int{400},
	}
}

// shouldTriggerFailover reports whether a status code counts as a retryable
// failure. 2xx and operator-excluded codes return the response as-is.
func shouldTriggerFailover(status int, cfg Config) bool {
	if status >= 200 && status < 300 {
		return false
	}
	for _, code := range cfg.ExcludeStatusCodes {
		if status == code {
			return false
		}
	}
	return true
}

// shouldContinueFailover decides whether another attempt starts.
func shouldContinueFailover(attempts int, hasMoreCandidates, cancelled bool, cfg Config) bool {
	if cancelled || !hasMoreCandidates {
		return false
	}
	if cfg.Strategy == StrategyMaxAttempts && cfg.MaxAttempts > 0 && attempts >= cfg.MaxAttempts {
		return false
	}
	return true
}
