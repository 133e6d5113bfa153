package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// NonpaymentAction controls what happens to a subscription after the
// configured number of consecutive failed collection attempts.
type NonpaymentAction string

const (
	NonpaymentActionCancel    NonpaymentAction = "cancel"
	NonpaymentActionDoNothing NonpaymentAction = "do_nothing"
)

// CollectionConfig is the hot-reloadable collection and numbering policy.
type CollectionConfig struct {
	RetryIntervalHours   int              `mapstructure:"retryIntervalHours"`
	MaxAttempts          int              `mapstructure:"maxAttempts"`
	AfterNonpayment      NonpaymentAction `mapstructure:"afterNonpayment"`
	PendingStalenessDays int              `mapstructure:"pendingStalenessDays"`
	PendingPollMinutes   int              `mapstructure:"pendingPollMinutes"`

	Numbering NumberingConfig `mapstructure:"numbering"`
}

type NumberingConfig struct {
	ReservationTTLSeconds int `mapstructure:"reservationTTLSeconds"`
	MaxIterations         int `mapstructure:"maxIterations"`
}

func (c CollectionConfig) RetryInterval() time.Duration {
	return time.Duration(c.RetryIntervalHours) * time.Hour
}

func (c CollectionConfig) PendingStalenessWindow() time.Duration {
	return time.Duration(c.PendingStalenessDays) * 24 * time.Hour
}

func (c CollectionConfig) PendingPollInterval() time.Duration {
	return time.Duration(c.PendingPollMinutes) * time.Minute
}

func (c NumberingConfig) ReservationTTL() time.Duration {
	return time.Duration(c.ReservationTTLSeconds) * time.Second
}

func DefaultCollectionConfig() CollectionConfig {
	return CollectionConfig{
		RetryIntervalHours:   72,
		MaxAttempts:          4,
		AfterNonpayment:      NonpaymentActionCancel,
		PendingStalenessDays: 30,
		PendingPollMinutes:   60,
		Numbering: NumberingConfig{
			ReservationTTLSeconds: 100,
			MaxIterations:         100,
		},
	}
}

// CollectionConfigHolder exposes the current policy behind an atomic swap
// so a config reload never tears a running batch.
type CollectionConfigHolder struct {
	current atomic.Value // holds CollectionConfig
}

func NewCollectionConfigHolder() (*CollectionConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("collection")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/corebill/config")
	v.AddConfigPath("/etc/corebill")
	v.AddConfigPath(".")

	v.SetEnvPrefix("COREBILL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultCollectionConfig()
	v.SetDefault("collection.retryIntervalHours", defaults.RetryIntervalHours)
	v.SetDefault("collection.maxAttempts", defaults.MaxAttempts)
	v.SetDefault("collection.afterNonpayment", string(defaults.AfterNonpayment))
	v.SetDefault("collection.pendingStalenessDays", defaults.PendingStalenessDays)
	v.SetDefault("collection.pendingPollMinutes", defaults.PendingPollMinutes)
	v.SetDefault("collection.numbering.reservationTTLSeconds", defaults.Numbering.ReservationTTLSeconds)
	v.SetDefault("collection.numbering.maxIterations", defaults.Numbering.MaxIterations)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg CollectionConfig
	if err := v.UnmarshalKey("collection", &cfg); err != nil {
		return nil, err
	}
	if err := validateCollectionConfig(cfg); err != nil {
		return nil, err
	}

	holder := &CollectionConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated CollectionConfig
		if err := v.UnmarshalKey("collection", &updated); err != nil {
			log.Printf("[collection-config] reload failed: %v", err)
			return
		}
		if err := validateCollectionConfig(updated); err != nil {
			log.Printf("[collection-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[collection-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

// NewStaticCollectionConfigHolder wraps a fixed policy, used by tests.
func NewStaticCollectionConfigHolder(cfg CollectionConfig) *CollectionConfigHolder {
	holder := &CollectionConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func (h *CollectionConfigHolder) Get() CollectionConfig {
	return h.current.Load().(CollectionConfig)
}

func (h *CollectionConfigHolder) Store(cfg CollectionConfig) {
	h.current.Store(cfg)
}

func validateCollectionConfig(cfg CollectionConfig) error {
	if cfg.RetryIntervalHours <= 0 {
		return errors.New("collection.retryIntervalHours must be positive")
	}
	if cfg.MaxAttempts <= 0 {
		return errors.New("collection.maxAttempts must be positive")
	}
	switch cfg.AfterNonpayment {
	case NonpaymentActionCancel, NonpaymentActionDoNothing:
	default:
		return errors.New("collection.afterNonpayment must be cancel or do_nothing")
	}
	if cfg.PendingStalenessDays <= 0 {
		return errors.New("collection.pendingStalenessDays must be positive")
	}
	if cfg.Numbering.ReservationTTLSeconds <= 0 {
		return errors.New("collection.numbering.reservationTTLSeconds must be positive")
	}
	if cfg.Numbering.MaxIterations <= 0 {
		return errors.New("collection.numbering.maxIterations must be positive")
	}
	return nil
}
