package cfg

import (
	"flag"
	"strings"
	"testing"
	"time"
)

// validBase returns a Config with all required fields set to valid values.
func validBase() Config {
	return Config{
		DrainSeconds:          60,
		ShutdownBudgetSeconds: 90,
		APIPort:               8080,
		AIProvider:            "openai",
		OpenAIAPIKey:          "sk-test-key",
		OpenAIModel:           "gpt-4o-mini",
		AITimeoutSecs:         30,
		UrgencyThreshold:      6,
		MaxContextMessages:    10,
		DedupWindowHours:      24,
		DedupRetentionDays:    7,
		RollupTime:            "20:00",
		HousekeepingTime:      "02:00",
		CleanupIntervalHours:  24,
		RetentionDays:         180,
	}
}

func TestRegisterFlags_Defaults(t *testing.T) {
	t.Parallel()

	var c Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)

	if err := fs.Parse(nil); err != nil {
		t.Fatalf("parse empty args: %v", err)
	}

	if c.DrainSeconds != 60 {
		t.Errorf("DrainSeconds = %d, want 60", c.DrainSeconds)
	}
	if c.ShutdownBudgetSeconds != 90 {
		t.Errorf("ShutdownBudgetSeconds = %d, want 90", c.ShutdownBudgetSeconds)
	}
	if c.APIPort != 8080 {
		t.Errorf("APIPort = %d, want 8080", c.APIPort)
	}
	if c.AIProvider != "openai" {
		t.Errorf("AIProvider = %q, want openai", c.AIProvider)
	}
	if c.UrgencyThreshold != 6 {
		t.Errorf("UrgencyThreshold = %d, want 6", c.UrgencyThreshold)
	}
	if c.MaxContextMessages != 10 {
		t.Errorf("MaxContextMessages = %d, want 10", c.MaxContextMessages)
	}
	if c.DedupWindowHours != 24 {
		t.Errorf("DedupWindowHours = %d, want 24", c.DedupWindowHours)
	}
	if c.RollupTime != "20:00" {
		t.Errorf("RollupTime = %q, want 20:00", c.RollupTime)
	}
	if c.RetentionDays != 180 {
		t.Errorf("RetentionDays = %d, want 180", c.RetentionDays)
	}
}

func TestRegisterFlags_Override(t *testing.T) {
	t.Parallel()

	var c Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)

	args := []string{
		"-drain-seconds", "30",
		"-http-port", "9090",
		"-ai-provider", "claude",
		"-claude-api-key", "sk-override",
		"-urgency-threshold", "8",
		"-rollup-time", "21:30",
		"-push-gateway-url", "http://gw:9000/push",
		"-push-target", "ops-team",
	}
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse args: %v", err)
	}

	if c.DrainSeconds != 30 {
		t.Errorf("DrainSeconds = %d, want 30", c.DrainSeconds)
	}
	if c.APIPort != 9090 {
		t.Errorf("APIPort = %d, want 9090", c.APIPort)
	}
	if c.AIProvider != "claude" {
		t.Errorf("AIProvider = %q, want claude", c.AIProvider)
	}
	if c.ClaudeAPIKey != "sk-override" {
		t.Errorf("ClaudeAPIKey = %q, want sk-override", c.ClaudeAPIKey)
	}
	if c.UrgencyThreshold != 8 {
		t.Errorf("UrgencyThreshold = %d, want 8", c.UrgencyThreshold)
	}
	if c.RollupTime != "21:30" {
		t.Errorf("RollupTime = %q, want 21:30", c.RollupTime)
	}
	if c.PushTarget != "ops-team" {
		t.Errorf("PushTarget = %q, want ops-team", c.PushTarget)
	}
}

func TestValidate_OK(t *testing.T) {
	t.Parallel()

	c := validBase()
	if err := c.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
}

func TestValidate_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantSub string
	}{
		{"drain too low", func(c *Config) { c.DrainSeconds = 0 }, "DRAIN_SECONDS"},
		{"budget below drain", func(c *Config) { c.ShutdownBudgetSeconds = 50 }, "must be greater than DRAIN_SECONDS"},
		{"bad port", func(c *Config) { c.APIPort = 70000 }, "HTTP_PORT"},
		{"unknown provider", func(c *Config) { c.AIProvider = "gemini" }, "AI_PROVIDER"},
		{"openai key missing", func(c *Config) { c.OpenAIAPIKey = "" }, "OPENAI_API_KEY"},
		{"claude key missing", func(c *Config) {
			c.AIProvider = "claude"
			c.ClaudeModel = "claude-sonnet-4-20250514"
		}, "CLAUDE_API_KEY"},
		{"gateway without target", func(c *Config) { c.PushGatewayURL = "http://gw" }, "PUSH_TARGET"},
		{"threshold out of range", func(c *Config) { c.UrgencyThreshold = 11 }, "URGENCY_THRESHOLD"},
		{"context out of range", func(c *Config) { c.MaxContextMessages = 0 }, "MAX_CONTEXT_MESSAGES"},
		{"window out of range", func(c *Config) { c.DedupWindowHours = 0 }, "DEDUP_WINDOW_HOURS"},
		{"bad rollup time", func(c *Config) { c.RollupTime = "8pm" }, "ROLLUP_TIME"},
		{"bad housekeeping time", func(c *Config) { c.HousekeepingTime = "25:00" }, "HOUSEKEEPING_TIME"},
		{"retention out of range", func(c *Config) { c.RetentionDays = 0 }, "RETENTION_DAYS"},
		{"ai timeout out of range", func(c *Config) { c.AITimeoutSecs = 0 }, "AI_TIMEOUT_SECONDS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c := validBase()
			tt.mutate(&c)
			err := c.Validate()
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("error %q does not mention %q", err, tt.wantSub)
			}
		})
	}
}

func TestValidate_JoinsMultipleErrors(t *testing.T) {
	t.Parallel()

	c := validBase()
	c.APIPort = 0
	c.UrgencyThreshold = 0

	err := c.Validate()
	if err == nil {
		t.Fatal("Validate() = nil, want error")
	}
	for _, sub := range []string{"HTTP_PORT", "URGENCY_THRESHOLD"} {
		if !strings.Contains(err.Error(), sub) {
			t.Errorf("joined error %q missing %q", err, sub)
		}
	}
}

func TestParseClock(t *testing.T) {
	t.Parallel()

	c, err := ParseClock("20:05")
	if err != nil {
		t.Fatalf("ParseClock: %v", err)
	}
	if c.Hour != 20 || c.Minute != 5 {
		t.Errorf("Clock = %+v, want 20:05", c)
	}

	for _, bad := range []string{"", "8pm", "24:00", "12:60", "12"} {
		if _, err := ParseClock(bad); err == nil {
			t.Errorf("ParseClock(%q) = nil error, want failure", bad)
		}
	}
}

func TestAITimeout(t *testing.T) {
	t.Parallel()

	c := validBase()
	if got := c.AITimeout(); got != 30*time.Second {
		t.Errorf("AITimeout() = %v, want 30s", got)
	}
}
