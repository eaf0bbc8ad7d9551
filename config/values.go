package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/usenocturne/bondd/bluetooth"
)

// Defaults for values left unset by both the file and the flags.
const (
	DefaultListenAddr  = ":5000"
	DefaultAuthTimeout = 10 * time.Second
)

// Values describes the configuration values a user can supply through the
// configuration file or the command-line flags.
type Values struct {
	ListenAddr     string        `koanf:"listen-address"`
	Adapter        string        `koanf:"adapter"`
	AuthTimeout    time.Duration `koanf:"auth-timeout"`
	EventQueueSize int           `koanf:"event-queue-size"`
	TaskCapacity   int           `koanf:"task-capacity"`
	RetryInitDelay time.Duration `koanf:"retry-init-delay"`
	RetryMaxDelay  time.Duration `koanf:"retry-max-delay"`

	AutoPairAddressBlacklist     []string `koanf:"auto-pair-address-blacklist"`
	AutoPairNameBlacklist        []string `koanf:"auto-pair-name-blacklist"`
	AutoPairPartialNameBlacklist []string `koanf:"auto-pair-partial-name-blacklist"`
}

// ServiceOptions converts the values into bluetooth service options.
func (v *Values) ServiceOptions() bluetooth.Options {
	return bluetooth.Options{
		EventQueueSize: v.EventQueueSize,
		TaskCapacity:   v.TaskCapacity,
		RetryInitDelay: v.RetryInitDelay,
		RetryMaxDelay:  v.RetryMaxDelay,
		AutoPair: bluetooth.AutoPairPolicy{
			AddressPrefixes: v.AutoPairAddressBlacklist,
			ExactNames:      v.AutoPairNameBlacklist,
			PartialNames:    v.AutoPairPartialNameBlacklist,
		},
	}
}

// ManagerOptions converts the values into transport options.
func (v *Values) ManagerOptions() bluetooth.ManagerOptions {
	return bluetooth.ManagerOptions{
		Adapter:     v.Adapter,
		AuthTimeout: v.AuthTimeout,
	}
}

// normalize fills unset values with their defaults.
func (v *Values) normalize() {
	if v.ListenAddr == "" {
		v.ListenAddr = DefaultListenAddr
	}
	if v.AuthTimeout == 0 {
		v.AuthTimeout = DefaultAuthTimeout
	}
	if v.EventQueueSize == 0 {
		v.EventQueueSize = bluetooth.DefaultEventQueueSize
	}
	if v.TaskCapacity == 0 {
		v.TaskCapacity = bluetooth.DefaultTaskCapacity
	}
	if v.RetryInitDelay == 0 {
		v.RetryInitDelay = bluetooth.DefaultRetryInitDelay
	}
	if v.RetryMaxDelay == 0 {
		v.RetryMaxDelay = bluetooth.DefaultRetryMaxDelay
	}
}

// validateValues validates all configuration values.
func (v *Values) validateValues() error {
	for _, validate := range []func() error{
		v.validateListenAddr,
		v.validateQueues,
		v.validateRetryWindow,
		v.validateBlacklist,
	} {
		if err := validate(); err != nil {
			return err
		}
	}

	return nil
}

// validateListenAddr validates the HTTP listen address.
func (v *Values) validateListenAddr() error {
	if _, _, err := net.SplitHostPort(v.ListenAddr); err != nil {
		return fmt.Errorf("%s: invalid listen address", v.ListenAddr)
	}

	return nil
}

// validateQueues validates the queue sizes and the agent answer deadline.
func (v *Values) validateQueues() error {
	if v.EventQueueSize <= 0 {
		return fmt.Errorf("event-queue-size must be positive")
	}
	if v.TaskCapacity <= 0 {
		return fmt.Errorf("task-capacity must be positive")
	}
	if v.AuthTimeout <= 0 {
		return fmt.Errorf("auth-timeout must be positive")
	}

	return nil
}

// validateRetryWindow validates the pairing retry backoff window.
func (v *Values) validateRetryWindow() error {
	if v.RetryInitDelay <= 0 || v.RetryMaxDelay <= 0 {
		return fmt.Errorf("retry delays must be positive")
	}
	if v.RetryInitDelay > v.RetryMaxDelay {
		return fmt.Errorf("retry-init-delay exceeds retry-max-delay")
	}

	return nil
}

// validateBlacklist validates the auto-pair address blacklist entries.
// An entry is a colon-separated run of up to six hex octets, matched as a
// prefix against device addresses.
func (v *Values) validateBlacklist() error {
	for _, prefix := range v.AutoPairAddressBlacklist {
		if !validAddressPrefix(prefix) {
			return fmt.Errorf("%s: invalid address prefix", prefix)
		}
	}

	return nil
}

func validAddressPrefix(prefix string) bool {
	parts := strings.Split(prefix, ":")
	if len(parts) == 0 || len(parts) > 6 {
		return false
	}

	for _, part := range parts {
		if len(part) != 2 {
			return false
		}
		if _, err := strconv.ParseUint(part, 16, 8); err != nil {
			return false
		}
	}

	return true
}
