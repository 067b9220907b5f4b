package cfg

import (
	"errors"
	"flag"
	"fmt"
	"time"
)

// Config adds app-specific configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APIToken              string

	AIProvider    string
	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string
	ClaudeAPIKey  string
	ClaudeModel   string
	AITimeoutSecs int

	DatabaseURL    string
	PushGatewayURL string
	PushTarget     string

	UrgencyThreshold   int
	MaxContextMessages int

	DedupWindowHours   int
	DedupRetentionDays int

	RollupTime           string
	HousekeepingTime     string
	CleanupIntervalHours int
	RetentionDays        int
	ScratchDir           string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APIToken, "api-token", "", "bearer token required on API requests (empty = no auth)")

	fs.StringVar(&c.AIProvider, "ai-provider", "openai", "urgency classifier provider: openai or claude")
	fs.StringVar(&c.OpenAIAPIKey, "openai-api-key", "", "API key for the OpenAI-compatible provider")
	fs.StringVar(&c.OpenAIBaseURL, "openai-base-url", "", "base URL override for OpenAI-compatible endpoints (empty = api.openai.com)")
	fs.StringVar(&c.OpenAIModel, "openai-model", "gpt-4o-mini", "OpenAI model for urgency and digest prompts")
	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for the Claude provider")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-sonnet-4-20250514", "Claude model for urgency and digest prompts")
	fs.IntVar(&c.AITimeoutSecs, "ai-timeout-seconds", 30, "per-call AI request timeout in seconds (1..300)")

	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store)")
	fs.StringVar(&c.PushGatewayURL, "push-gateway-url", "", "push gateway endpoint for alerts and reports (empty = pushes disabled)")
	fs.StringVar(&c.PushTarget, "push-target", "", "recipient ID for pushed alerts and daily reports")

	fs.IntVar(&c.UrgencyThreshold, "urgency-threshold", 6, "minimum urgency score that dispatches a push (1..10)")
	fs.IntVar(&c.MaxContextMessages, "max-context-messages", 10, "maximum same-day context messages fed to the classifier (1..50)")

	fs.IntVar(&c.DedupWindowHours, "dedup-window-hours", 24, "hours a fingerprint stays active for duplicate detection (1..168)")
	fs.IntVar(&c.DedupRetentionDays, "dedup-retention-days", 7, "days before dedup ledger rows are pruned (1..90)")

	fs.StringVar(&c.RollupTime, "rollup-time", "20:00", "local HH:MM at which daily digests are generated")
	fs.StringVar(&c.HousekeepingTime, "housekeeping-time", "02:00", "local HH:MM at which retention sweeps run")
	fs.IntVar(&c.CleanupIntervalHours, "cleanup-interval-hours", 24, "hours between dedup ledger prunes (1..168)")
	fs.IntVar(&c.RetentionDays, "retention-days", 180, "days messages and alerts are kept; digests twice as long (1..3650)")
	fs.StringVar(&c.ScratchDir, "scratch-dir", "", "directory for transient media scratch files (empty = none swept)")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	switch c.AIProvider {
	case "openai":
		if c.OpenAIAPIKey == "" {
			errs = append(errs, errors.New("OPENAI_API_KEY is required when AI_PROVIDER=openai"))
		}
		if c.OpenAIModel == "" {
			errs = append(errs, errors.New("OPENAI_MODEL is required when AI_PROVIDER=openai"))
		}
	case "claude":
		if c.ClaudeAPIKey == "" {
			errs = append(errs, errors.New("CLAUDE_API_KEY is required when AI_PROVIDER=claude"))
		}
		if c.ClaudeModel == "" {
			errs = append(errs, errors.New("CLAUDE_MODEL is required when AI_PROVIDER=claude"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid AI_PROVIDER %q (must be openai or claude)", c.AIProvider))
	}

	if c.AITimeoutSecs <= 0 || c.AITimeoutSecs > 300 {
		errs = append(errs, fmt.Errorf("invalid AI_TIMEOUT_SECONDS %d (must be 1..300)", c.AITimeoutSecs))
	}

	// A gateway without a recipient (or vice versa) cannot dispatch anything.
	if c.PushGatewayURL != "" && c.PushTarget == "" {
		errs = append(errs, errors.New("PUSH_TARGET is required when PUSH_GATEWAY_URL is set"))
	}

	if c.UrgencyThreshold < 1 || c.UrgencyThreshold > 10 {
		errs = append(errs, fmt.Errorf("invalid URGENCY_THRESHOLD %d (must be 1..10)", c.UrgencyThreshold))
	}
	if c.MaxContextMessages < 1 || c.MaxContextMessages > 50 {
		errs = append(errs, fmt.Errorf("invalid MAX_CONTEXT_MESSAGES %d (must be 1..50)", c.MaxContextMessages))
	}

	if c.DedupWindowHours < 1 || c.DedupWindowHours > 168 {
		errs = append(errs, fmt.Errorf("invalid DEDUP_WINDOW_HOURS %d (must be 1..168)", c.DedupWindowHours))
	}
	if c.DedupRetentionDays < 1 || c.DedupRetentionDays > 90 {
		errs = append(errs, fmt.Errorf("invalid DEDUP_RETENTION_DAYS %d (must be 1..90)", c.DedupRetentionDays))
	}

	if _, err := ParseClock(c.RollupTime); err != nil {
		errs = append(errs, fmt.Errorf("invalid ROLLUP_TIME %q: %w", c.RollupTime, err))
	}
	if _, err := ParseClock(c.HousekeepingTime); err != nil {
		errs = append(errs, fmt.Errorf("invalid HOUSEKEEPING_TIME %q: %w", c.HousekeepingTime, err))
	}
	if c.CleanupIntervalHours < 1 || c.CleanupIntervalHours > 168 {
		errs = append(errs, fmt.Errorf("invalid CLEANUP_INTERVAL_HOURS %d (must be 1..168)", c.CleanupIntervalHours))
	}
	if c.RetentionDays < 1 || c.RetentionDays > 3650 {
		errs = append(errs, fmt.Errorf("invalid RETENTION_DAYS %d (must be 1..3650)", c.RetentionDays))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Clock is a wall-clock time of day.
type Clock struct {
	Hour   int
	Minute int
}

// ParseClock parses an HH:MM string into a Clock.
func ParseClock(s string) (Clock, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return Clock{}, errors.New("must be HH:MM")
	}
	return Clock{Hour: t.Hour(), Minute: t.Minute()}, nil
}

// AITimeout returns the per-call AI timeout as a Duration.
func (c *Config) AITimeout() time.Duration {
	return time.Duration(c.AITimeoutSecs) * time.Second
}
