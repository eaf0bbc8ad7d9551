// Package config loads the daemon configuration from an hjson file and
// command-line flags, flags taking precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/knadh/koanf/parsers/hjson"
	"github.com/knadh/koanf/providers/cliflagv2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/urfave/cli/v2"
)

const (
	configFile      = "bondd.conf"
	systemConfigDir = "/etc/bondd"
)

// Config describes the configuration for the daemon.
type Config struct {
	path string

	Values Values
}

// NewConfig returns a new configuration.
func NewConfig() *Config {
	return &Config{}
}

// Load loads the configuration from the configuration file and the
// command-line flags. A missing default file is skipped; a missing file
// named with --config is an error.
func (c *Config) Load(k *koanf.Koanf, cliCtx *cli.Context) error {
	cfgfile := cliCtx.String("config")
	if cfgfile == "" {
		cfgfile = filepath.Join(systemConfigDir, configFile)
	} else if _, err := os.Stat(cfgfile); err != nil {
		return fmt.Errorf("cannot read configuration file at %s", cfgfile)
	}

	if _, err := os.Stat(cfgfile); err == nil {
		if err := k.Load(file.Provider(cfgfile), hjson.Parser()); err != nil {
			return err
		}
		c.path = cfgfile
	}

	if err := k.Load(cliflagv2.Provider(cliCtx, "."), nil); err != nil {
		return err
	}

	if err := k.UnmarshalWithConf("", &c.Values, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return err
	}

	c.Values.normalize()
	return nil
}

// ValidateValues validates the configuration values.
func (c *Config) ValidateValues() error {
	return c.Values.validateValues()
}

// FilePath returns the path of the loaded configuration file, empty when
// none was read.
func (c *Config) FilePath() string {
	return c.path
}
