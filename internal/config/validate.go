package config

import (
	"errors"
	"fmt"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return errors.New("db_path must be set")
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if c.FetchBatch < 1 {
		return fmt.Errorf("fetch_batch must be at least 1, got %d", c.FetchBatch)
	}
	if c.PollInterval <= 0 {
		return errors.New("poll_interval must be positive")
	}
	if c.LeaseDuration <= 0 {
		return errors.New("lease_duration must be positive")
	}
	if c.ReapInterval <= 0 {
		return errors.New("reap_interval must be positive")
	}
	if c.ShutdownTimeout < 0 {
		return errors.New("shutdown_timeout must not be negative")
	}
	if err := c.validateRetry(); err != nil {
		return err
	}
	if c.MaxPending < 0 {
		return errors.New("max_pending must not be negative")
	}
	if c.SubmitRate < 0 {
		return errors.New("submit_rate must not be negative")
	}
	if c.Retention < 0 {
		return errors.New("retention must not be negative")
	}
	return nil
}

func (c *Config) validateRetry() error {
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1, got %d", c.MaxAttempts)
	}
	if c.BackoffInitial < 0 || c.BackoffMax < 0 {
		return errors.New("backoff durations must not be negative")
	}
	if c.BackoffMax > 0 && c.BackoffInitial > c.BackoffMax {
		return fmt.Errorf("backoff_initial (%v) exceeds backoff_max (%v)", c.BackoffInitial, c.BackoffMax)
	}
	return nil
}
