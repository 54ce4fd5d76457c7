package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// DescriptorNetworkLimit is the maximum statement descriptor length accepted by the card networks.
const DescriptorNetworkLimit = 22

// DunningConfig is the policy that drives retries, descriptors and vault maintenance.
type DunningConfig struct {
	MaxRetries      int              `mapstructure:"max_retries"`
	BackoffHours    []int            `mapstructure:"backoff_hours"`
	ErrorRetryDelay time.Duration    `mapstructure:"error_retry_delay"`
	ResumeGrace     time.Duration    `mapstructure:"resume_grace"`
	Descriptor      DescriptorConfig `mapstructure:"descriptor"`
	Vault           VaultConfig      `mapstructure:"vault"`
	BillingRun      BillingRunConfig `mapstructure:"billing_run"`
	GatewayTestMode GatewayTestMode  `mapstructure:"gateway_test_mode"`
}

type DescriptorConfig struct {
	Base          string `mapstructure:"base"`
	RenewalSuffix string `mapstructure:"renewal_suffix"`
	BillingSuffix string `mapstructure:"billing_suffix"`
	FundsSuffix   string `mapstructure:"funds_suffix"`
}

type VaultConfig struct {
	NearExpiryMonths   int           `mapstructure:"near_expiry_months"`
	RefreshCooldown    time.Duration `mapstructure:"refresh_cooldown"`
	TokenizationBrands []string      `mapstructure:"tokenization_brands"`
	AutoTokenize       bool          `mapstructure:"auto_tokenize"`
}

type BillingRunConfig struct {
	CourtesyDelay time.Duration `mapstructure:"courtesy_delay"`
	LockTTL       time.Duration `mapstructure:"lock_ttl"`
	BatchSize     int           `mapstructure:"batch_size"`
}

// GatewayTestMode holds sandbox-only knobs kept apart from production eligibility rules.
type GatewayTestMode struct {
	Enabled         bool     `mapstructure:"enabled"`
	UnsupportedBINs []string `mapstructure:"unsupported_bins"`
}

func DefaultDunningConfig() DunningConfig {
	return DunningConfig{
		MaxRetries:      3,
		BackoffHours:    []int{12, 36, 72},
		ErrorRetryDelay: time.Hour,
		ResumeGrace:     time.Hour,
		Descriptor: DescriptorConfig{
			Base:          "REBILL SUBSCRIPTN",
			RenewalSuffix: " RENEWAL",
			BillingSuffix: " BILLING",
			FundsSuffix:   " PAYMENT",
		},
		Vault: VaultConfig{
			NearExpiryMonths:   2,
			RefreshCooldown:    24 * time.Hour,
			TokenizationBrands: []string{"visa", "mastercard", "amex", "discover"},
			AutoTokenize:       true,
		},
		BillingRun: BillingRunConfig{
			CourtesyDelay: 500 * time.Millisecond,
			LockTTL:       2 * time.Minute,
			BatchSize:     100,
		},
		GatewayTestMode: GatewayTestMode{
			Enabled:         false,
			UnsupportedBINs: []string{"400000", "411111"},
		},
	}
}

type DunningConfigHolder struct {
	current atomic.Value // holds DunningConfig
}

// NewStaticDunningConfigHolder wraps a fixed policy, mainly for tests and one-shot commands.
func NewStaticDunningConfigHolder(cfg DunningConfig) *DunningConfigHolder {
	holder := &DunningConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func NewDunningConfigHolder(log *zap.Logger) (*DunningConfigHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("config.dunning")

	v := viper.New()

	v.SetConfigName("billing")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/rebill/config")
	v.AddConfigPath("/etc/rebill")
	v.AddConfigPath(".")

	v.SetEnvPrefix("REBILL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDunningDefaults(v, DefaultDunningConfig())

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fileLoaded = false
	}

	var cfg DunningConfig
	if err := v.UnmarshalKey("dunning", &cfg); err != nil {
		return nil, err
	}
	if err := ValidateDunningConfig(cfg); err != nil {
		return nil, err
	}

	holder := NewStaticDunningConfigHolder(cfg)
	if !fileLoaded {
		log.Info("billing.yml not found, using default dunning policy")
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated DunningConfig
		if err := v.UnmarshalKey("dunning", &updated); err != nil {
			log.Warn("dunning config reload failed", zap.Error(err))
			return
		}
		if err := ValidateDunningConfig(updated); err != nil {
			log.Warn("invalid dunning config ignored", zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("dunning config reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

func (h *DunningConfigHolder) Get() DunningConfig {
	return h.current.Load().(DunningConfig)
}

func setDunningDefaults(v *viper.Viper, d DunningConfig) {
	v.SetDefault("dunning.max_retries", d.MaxRetries)
	v.SetDefault("dunning.backoff_hours", d.BackoffHours)
	v.SetDefault("dunning.error_retry_delay", d.ErrorRetryDelay)
	v.SetDefault("dunning.resume_grace", d.ResumeGrace)
	v.SetDefault("dunning.descriptor.base", d.Descriptor.Base)
	v.SetDefault("dunning.descriptor.renewal_suffix", d.Descriptor.RenewalSuffix)
	v.SetDefault("dunning.descriptor.billing_suffix", d.Descriptor.BillingSuffix)
	v.SetDefault("dunning.descriptor.funds_suffix", d.Descriptor.FundsSuffix)
	v.SetDefault("dunning.vault.near_expiry_months", d.Vault.NearExpiryMonths)
	v.SetDefault("dunning.vault.refresh_cooldown", d.Vault.RefreshCooldown)
	v.SetDefault("dunning.vault.tokenization_brands", d.Vault.TokenizationBrands)
	v.SetDefault("dunning.vault.auto_tokenize", d.Vault.AutoTokenize)
	v.SetDefault("dunning.billing_run.courtesy_delay", d.BillingRun.CourtesyDelay)
	v.SetDefault("dunning.billing_run.lock_ttl", d.BillingRun.LockTTL)
	v.SetDefault("dunning.billing_run.batch_size", d.BillingRun.BatchSize)
	v.SetDefault("dunning.gateway_test_mode.enabled", d.GatewayTestMode.Enabled)
	v.SetDefault("dunning.gateway_test_mode.unsupported_bins", d.GatewayTestMode.UnsupportedBINs)
}

func ValidateDunningConfig(cfg DunningConfig) error {
	if cfg.MaxRetries < 0 {
		return errors.New("dunning.max_retries cannot be negative")
	}
	if len(cfg.BackoffHours) == 0 {
		return errors.New("dunning.backoff_hours cannot be empty")
	}
	for i, h := range cfg.BackoffHours {
		if h <= 0 {
			return fmt.Errorf("dunning.backoff_hours[%d] must be positive", i)
		}
		// Retry n must land strictly after retry n-1.
		if i > 0 && h <= cfg.BackoffHours[i-1] {
			return fmt.Errorf("dunning.backoff_hours[%d] must be greater than backoff_hours[%d]", i, i-1)
		}
	}
	if strings.TrimSpace(cfg.Descriptor.Base) == "" {
		return errors.New("dunning.descriptor.base cannot be empty")
	}
	for name, suffix := range map[string]string{
		"renewal_suffix": cfg.Descriptor.RenewalSuffix,
		"billing_suffix": cfg.Descriptor.BillingSuffix,
		"funds_suffix":   cfg.Descriptor.FundsSuffix,
	} {
		if len(suffix) >= DescriptorNetworkLimit {
			return fmt.Errorf("dunning.descriptor.%s must be shorter than %d characters", name, DescriptorNetworkLimit)
		}
	}
	if cfg.Vault.NearExpiryMonths < 0 {
		return errors.New("dunning.vault.near_expiry_months cannot be negative")
	}
	if cfg.BillingRun.LockTTL <= 0 {
		return errors.New("dunning.billing_run.lock_ttl must be positive")
	}
	if cfg.BillingRun.BatchSize <= 0 {
		return errors.New("dunning.billing_run.batch_size must be positive")
	}
	return nil
}
