package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/knadh/koanf/v2"
	"github.com/urfave/cli/v2"

	"github.com/usenocturne/bondd/config"
)

// These values are set at compile-time.
var (
	Version  = ""
	Revision = ""
)

// Run runs the commandline application.
func Run() error {
	return newApp().Run(os.Args)
}

// newApp returns a new commandline application.
func newApp() *cli.App {
	cli.VersionPrinter = func(cCtx *cli.Context) {
		fmt.Fprintf(cCtx.App.Writer, "%s (%s)\n", Version, Revision)
	}

	return &cli.App{
		Name:                   "bondd",
		Usage:                  "Bluetooth bonding daemon.",
		Version:                Version + " (" + Revision + ")",
		Description:            "A pairing and bonding daemon with an HTTP and WebSocket surface.",
		Copyright:              "(c) usenocturne.",
		Compiled:               time.Now(),
		EnableBashCompletion:   true,
		UseShortOptionHandling: true,
		Suggest:                true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"f"},
				EnvVars: []string{"BONDD_CONFIG"},
				Usage:   "Specify a configuration file. (Default: /etc/bondd/bondd.conf)",
			},
			&cli.StringFlag{
				Name:    "listen-address",
				Aliases: []string{"l"},
				EnvVars: []string{"BONDD_LISTEN_ADDRESS"},
				Usage:   "Specify an address for the HTTP server to listen on. (Default: ':5000')",
			},
			&cli.StringFlag{
				Name:    "adapter",
				Aliases: []string{"a"},
				EnvVars: []string{"BONDD_ADAPTER"},
				Usage:   "Specify an adapter to use. (For example, hci0)",
			},
			&cli.DurationFlag{
				Name:    "auth-timeout",
				EnvVars: []string{"BONDD_AUTH_TIMEOUT"},
				Usage:   "Specify how long a pairing question may wait for an answer. (Default: 10s)",
			},
			&cli.IntFlag{
				Name:    "event-queue-size",
				EnvVars: []string{"BONDD_EVENT_QUEUE_SIZE"},
				Usage:   "Specify the capacity of the event queue. (Default: 64)",
			},
			&cli.IntFlag{
				Name:    "task-capacity",
				EnvVars: []string{"BONDD_TASK_CAPACITY"},
				Usage:   "Specify how many delayed tasks may be outstanding. (Default: 16)",
			},
			&cli.DurationFlag{
				Name:    "retry-init-delay",
				EnvVars: []string{"BONDD_RETRY_INIT_DELAY"},
				Usage:   "Specify the first pairing retry delay. (Default: 3s)",
			},
			&cli.DurationFlag{
				Name:    "retry-max-delay",
				EnvVars: []string{"BONDD_RETRY_MAX_DELAY"},
				Usage:   "Specify the pairing retry backoff ceiling. (Default: 12s)",
			},
			&cli.StringSliceFlag{
				Name:    "auto-pair-address-blacklist",
				EnvVars: []string{"BONDD_AUTO_PAIR_ADDRESS_BLACKLIST"},
				Usage:   "Specify address prefixes never offered an automatic pin. (For example, '00:1E:3D')",
			},
			&cli.StringSliceFlag{
				Name:    "auto-pair-name-blacklist",
				EnvVars: []string{"BONDD_AUTO_PAIR_NAME_BLACKLIST"},
				Usage:   "Specify device names never offered an automatic pin.",
			},
			&cli.StringSliceFlag{
				Name:    "auto-pair-partial-name-blacklist",
				EnvVars: []string{"BONDD_AUTO_PAIR_PARTIAL_NAME_BLACKLIST"},
				Usage:   "Specify device name fragments never offered an automatic pin.",
			},
		},
		Action: func(cliCtx *cli.Context) error {
			// required for koanf to merge all global flags under the root namespace.
			cliCtx.Command.Name = "global"

			k, cfg := koanf.New("."), config.NewConfig()
			if err := cfg.Load(k, cliCtx); err != nil {
				return err
			}
			if cfg.FilePath() == "" {
				printWarn("No configuration file loaded, using defaults and flags.")
			}
			if err := cfg.ValidateValues(); err != nil {
				return err
			}

			return runDaemon(cfg)
		},
		ExitErrHandler: func(_ *cli.Context, err error) {
			if err == nil {
				return
			}

			printError(err)
		},
	}
}
