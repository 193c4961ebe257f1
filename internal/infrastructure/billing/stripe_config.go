package billing

import (
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v81"
)

// Stripe secret keys are prefixed by mode: sk_test_... or sk_live_...
const (
	testKeyPrefix = "sk_test"
	liveKeyPrefix = "sk_live"
)

// StripeConfig holds the settings for the Stripe charge gateway.
type StripeConfig struct {
	// SecretKey is the Stripe secret API key.
	SecretKey string `json:"secret_key" mapstructure:"secret_key"`

	// WebhookSecret verifies webhook signatures.
	WebhookSecret string `json:"webhook_secret" mapstructure:"webhook_secret"`

	// IsTestMode requires a test key when set and a live key otherwise.
	IsTestMode bool `json:"is_test_mode" mapstructure:"is_test_mode"`

	// DefaultCurrency is the currency instant charges and credits are issued in.
	DefaultCurrency string `json:"default_currency" mapstructure:"default_currency"`

	// MaxAttempts bounds provider call retries for transient failures.
	MaxAttempts int `json:"max_attempts" mapstructure:"max_attempts"`

	// RetryBaseDelay is the base delay between retries (exponential backoff).
	RetryBaseDelay time.Duration `json:"retry_base_delay" mapstructure:"retry_base_delay"`
}

// DefaultStripeConfig returns development defaults. The secret key and
// webhook secret still have to be filled in from the app config.
func DefaultStripeConfig() *StripeConfig {
	return &StripeConfig{
		IsTestMode:      true,
		DefaultCurrency: "usd",
		MaxAttempts:     3,
		RetryBaseDelay:  time.Second,
	}
}

// Validate checks that the configuration is complete and that the key
// prefix matches the configured mode.
func (c *StripeConfig) Validate() error {
	if c.SecretKey == "" {
		return fmt.Errorf("stripe: secret key is required")
	}
	if err := c.validateKeyMode(); err != nil {
		return err
	}
	if c.DefaultCurrency == "" {
		return fmt.Errorf("stripe: default currency is required")
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("stripe: max attempts must be at least 1")
	}
	return nil
}

func (c *StripeConfig) validateKeyMode() error {
	// Short keys are left to Stripe itself to reject.
	if len(c.SecretKey) <= len(testKeyPrefix) {
		return nil
	}
	switch {
	case c.IsTestMode && !strings.HasPrefix(c.SecretKey, testKeyPrefix):
		return fmt.Errorf("stripe: test mode enabled but secret key is not a test key")
	case !c.IsTestMode && !strings.HasPrefix(c.SecretKey, liveKeyPrefix):
		return fmt.Errorf("stripe: live mode enabled but secret key is not a live key")
	}
	return nil
}

// InitStripeClient sets the process-wide Stripe API key.
func (c *StripeConfig) InitStripeClient() {
	stripe.Key = c.SecretKey
}
