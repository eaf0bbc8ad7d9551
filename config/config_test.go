package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/knadh/koanf/v2"
	"github.com/urfave/cli/v2"

	"github.com/usenocturne/bondd/bluetooth"
)

// loadWithArgs runs a throwaway CLI app the way the daemon entrypoint does
// and loads the configuration through its flag context.
func loadWithArgs(t *testing.T, args ...string) (*Config, error) {
	t.Helper()

	cfg := NewConfig()
	var loadErr error

	app := &cli.App{
		Name: "bondd-test",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config"},
			&cli.StringFlag{Name: "listen-address"},
			&cli.StringFlag{Name: "adapter"},
			&cli.DurationFlag{Name: "auth-timeout"},
			&cli.IntFlag{Name: "event-queue-size"},
			&cli.IntFlag{Name: "task-capacity"},
			&cli.DurationFlag{Name: "retry-init-delay"},
			&cli.DurationFlag{Name: "retry-max-delay"},
			&cli.StringSliceFlag{Name: "auto-pair-address-blacklist"},
		},
		Action: func(cliCtx *cli.Context) error {
			// Required for koanf to merge all global flags under the
			// root namespace.
			cliCtx.Command.Name = "global"
			loadErr = cfg.Load(koanf.New("."), cliCtx)
			return nil
		},
	}

	if err := app.Run(append([]string{"bondd-test"}, args...)); err != nil {
		t.Fatalf("run: %v", err)
	}
	return cfg, loadErr
}

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bondd.conf")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultsFillUnsetValues(t *testing.T) {
	cfg, err := loadWithArgs(t, "--config", writeConfigFile(t, "{}"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	v := cfg.Values
	if v.ListenAddr != DefaultListenAddr {
		t.Errorf("expected listen address %q, got %q", DefaultListenAddr, v.ListenAddr)
	}
	if v.AuthTimeout != DefaultAuthTimeout {
		t.Errorf("expected auth timeout %v, got %v", DefaultAuthTimeout, v.AuthTimeout)
	}
	if v.EventQueueSize != bluetooth.DefaultEventQueueSize {
		t.Errorf("expected event queue size %d, got %d", bluetooth.DefaultEventQueueSize, v.EventQueueSize)
	}
	if v.TaskCapacity != bluetooth.DefaultTaskCapacity {
		t.Errorf("expected task capacity %d, got %d", bluetooth.DefaultTaskCapacity, v.TaskCapacity)
	}
	if v.RetryInitDelay != bluetooth.DefaultRetryInitDelay || v.RetryMaxDelay != bluetooth.DefaultRetryMaxDelay {
		t.Errorf("expected default retry window, got %v/%v", v.RetryInitDelay, v.RetryMaxDelay)
	}
	if err := cfg.ValidateValues(); err != nil {
		t.Errorf("defaults failed validation: %v", err)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfigFile(t, `
{
  listen-address: ":8900"
  adapter: "hci1"
  auth-timeout: "5s"
  auto-pair-address-blacklist: ["00:02:C7"]
}
`)

	cfg, err := loadWithArgs(t, "--config", path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	v := cfg.Values
	if v.ListenAddr != ":8900" {
		t.Errorf("expected listen address :8900, got %q", v.ListenAddr)
	}
	if v.Adapter != "hci1" {
		t.Errorf("expected adapter hci1, got %q", v.Adapter)
	}
	if v.AuthTimeout != 5*time.Second {
		t.Errorf("expected auth timeout 5s, got %v", v.AuthTimeout)
	}
	if len(v.AutoPairAddressBlacklist) != 1 || v.AutoPairAddressBlacklist[0] != "00:02:C7" {
		t.Errorf("unexpected blacklist %v", v.AutoPairAddressBlacklist)
	}
	if v.EventQueueSize != bluetooth.DefaultEventQueueSize {
		t.Errorf("expected unset value normalized, got %d", v.EventQueueSize)
	}
	if cfg.FilePath() != path {
		t.Errorf("expected file path %q, got %q", path, cfg.FilePath())
	}
}

func TestFlagOverridesFile(t *testing.T) {
	path := writeConfigFile(t, `{ listen-address: ":8900" }`)

	cfg, err := loadWithArgs(t, "--config", path, "--listen-address", ":9100")
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if v := cfg.Values.ListenAddr; v != ":9100" {
		t.Errorf("expected flag to win, got %q", v)
	}
}

func TestMissingExplicitConfigFails(t *testing.T) {
	_, err := loadWithArgs(t, "--config", filepath.Join(t.TempDir(), "absent.conf"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if !strings.Contains(err.Error(), "cannot read configuration file") {
		t.Errorf("unexpected error %v", err)
	}
}

func TestValidateValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Values)
		valid  bool
	}{
		{"defaults", func(*Values) {}, true},
		{"address prefixes", func(v *Values) {
			v.AutoPairAddressBlacklist = []string{"00", "00:02:C7", "00:11:22:33:44:55"}
		}, true},
		{"listen address without port", func(v *Values) { v.ListenAddr = "localhost" }, false},
		{"negative event queue", func(v *Values) { v.EventQueueSize = -1 }, false},
		{"zero task capacity", func(v *Values) { v.TaskCapacity = 0 }, false},
		{"negative auth timeout", func(v *Values) { v.AuthTimeout = -time.Second }, false},
		{"inverted retry window", func(v *Values) { v.RetryInitDelay = 30 * time.Second }, false},
		{"non-hex address prefix", func(v *Values) {
			v.AutoPairAddressBlacklist = []string{"ZZ:11"}
		}, false},
		{"overlong octet", func(v *Values) {
			v.AutoPairAddressBlacklist = []string{"001:22"}
		}, false},
		{"too many octets", func(v *Values) {
			v.AutoPairAddressBlacklist = []string{"00:11:22:33:44:55:66"}
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var v Values
			v.normalize()
			tt.mutate(&v)

			err := v.validateValues()
			if tt.valid && err != nil {
				t.Fatalf("expected valid values, got %v", err)
			}
			if !tt.valid && err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestServiceOptionsCarryPolicy(t *testing.T) {
	v := Values{
		EventQueueSize:               32,
		TaskCapacity:                 8,
		RetryInitDelay:               time.Second,
		RetryMaxDelay:                4 * time.Second,
		AutoPairAddressBlacklist:     []string{"00:02:C7"},
		AutoPairNameBlacklist:        []string{"Motorola IHF Device"},
		AutoPairPartialNameBlacklist: []string{"BMW"},
	}

	opts := v.ServiceOptions()
	if opts.EventQueueSize != 32 || opts.TaskCapacity != 8 {
		t.Errorf("unexpected queue options %+v", opts)
	}
	if opts.RetryInitDelay != time.Second || opts.RetryMaxDelay != 4*time.Second {
		t.Errorf("unexpected retry window %+v", opts)
	}
	if len(opts.AutoPair.AddressPrefixes) != 1 || len(opts.AutoPair.ExactNames) != 1 || len(opts.AutoPair.PartialNames) != 1 {
		t.Errorf("blacklists not carried: %+v", opts.AutoPair)
	}
}
