package cmds

import (
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/go-go-golems/opsdeck/pkg/config"
	"github.com/go-go-golems/opsdeck/pkg/logging"
)

// App carries the effective configuration into subcommands.
type App struct {
	configFile string
	viper      *viper.Viper
	Config     *config.Config

	// flagKeys maps a command's flags to config keys; bound before loading.
	flagKeys map[*cobra.Command]map[string]string
}

func (a *App) bind(cmd *cobra.Command, flag, key string) {
	if a.flagKeys[cmd] == nil {
		a.flagKeys[cmd] = map[string]string{}
	}
	a.flagKeys[cmd][flag] = key
}

func NewRootCommand() *cobra.Command {
	app := &App{flagKeys: map[*cobra.Command]map[string]string{}}

	root := &cobra.Command{
		Use:           config.AppName,
		Short:         "opsdeck watches a realtime event feed and talks to an ops chat backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return app.load(cmd)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&app.configFile, "config", "", "Config file (default "+config.DefaultConfigFile()+")")
	pf.String("log-level", "info", "Global log level (trace, debug, info, warn, error)")
	pf.String("log-format", "", "Log format: console or json (default: console on terminals)")
	pf.Bool("with-caller", false, "Include caller (file:line) in logs")
	pf.String("metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9102")
	app.bind(root, "log-level", "log.level")
	app.bind(root, "log-format", "log.format")
	app.bind(root, "with-caller", "log.with-caller")
	app.bind(root, "metrics-addr", "metrics-addr")

	root.AddCommand(
		newFeedCommand(app),
		newProbeCommand(app),
		newChatCommand(app),
		newHistoryCommand(app),
		newRelayCommand(app),
		newConfigCommand(app),
	)
	return root
}

// load reads config, binds the flags of cmd and its parents, then
// reinitializes the logger because we can now parse --log-level and co.
func (a *App) load(cmd *cobra.Command) error {
	v, err := config.NewViper(a.configFile)
	if err != nil {
		return err
	}
	for c := cmd; c != nil; c = c.Parent() {
		for flag, key := range a.flagKeys[c] {
			f := cmd.Flags().Lookup(flag)
			if f == nil {
				return errors.Errorf("flag --%s is not defined on %s", flag, cmd.CommandPath())
			}
			if err := v.BindPFlag(key, f); err != nil {
				return errors.Wrapf(err, "bind --%s", flag)
			}
		}
	}
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}
	if err := logging.Init(cfg.Log, cmd.ErrOrStderr()); err != nil {
		return err
	}
	a.viper = v
	a.Config = cfg
	return nil
}
