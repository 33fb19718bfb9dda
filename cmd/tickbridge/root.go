package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"tickbridge.ai/internal/config"
	"tickbridge.ai/internal/logging"
)

// app is shared by every subcommand. Config is resolved lazily so --help
// works without a config file.
type app struct {
	v          *viper.Viper
	configPath string
}

func (a *app) load() (config.File, error) {
	f, err := config.Load(a.configPath)
	if err != nil {
		return config.File{}, fmt.Errorf("load config: %w", err)
	}
	if err := config.ApplyOverrides(&f, a.v); err != nil {
		return config.File{}, fmt.Errorf("config overrides: %w", err)
	}
	return f, nil
}

func (a *app) logger(f config.File) (*zap.Logger, func(), error) {
	log, closeFn, err := logging.New(f.Log)
	if err != nil {
		return nil, nil, fmt.Errorf("logger: %w", err)
	}
	return log, closeFn, nil
}

const configKey = "tickbridge_config_key"

// bind marks a flag as the override for a config key. The binding happens
// in bindFlags for the command that runs, since several subcommands share
// a key.
func (a *app) bind(fs *pflag.FlagSet, key, name string) {
	if err := fs.SetAnnotation(name, configKey, []string{key}); err != nil {
		panic(fmt.Sprintf("bind %s: %v", name, err))
	}
}

// bindFlags binds every annotated flag of cmd. Only flags the user changed
// override the file.
func (a *app) bindFlags(cmd *cobra.Command) error {
	var err error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		keys := f.Annotations[configKey]
		if len(keys) == 0 || err != nil {
			return
		}
		err = a.v.BindPFlag(keys[0], f)
	})
	return err
}

func newRootCmd() *cobra.Command {
	a := &app{v: config.NewViper()}
	d := config.Defaults()

	rootCmd := &cobra.Command{
		Use:           "tickbridge",
		Short:         "Drive a simulation in lockstep over action/observation channels",
		Long:          "tickbridge connects to a simulation's action and observation channels, runs reset/step episodes, records traces and indexes episodes.",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.bindFlags(cmd)
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&a.configPath, "config", "c", "", "YAML config file (TICKBRIDGE_* env vars and flags override it)")
	pf.String("log-level", d.Log.Level, "debug|info|warn|error")
	pf.String("log-file", "", "also write JSON logs to this rolling file")
	pf.String("action", d.Session.Action.Addr, "action channel address (tcp://, ipc://, ws://)")
	pf.String("action-role", string(d.Session.Action.Role), "bind|connect for the action channel")
	pf.String("observation", d.Session.Observation.Addr, "observation channel address")
	pf.String("observation-role", string(d.Session.Observation.Role), "bind|connect for the observation channel")
	pf.String("mode", d.Session.Mode, "SYNC|ASYNC")
	pf.String("instance-id", "", "client instance id (default: random)")
	pf.Duration("connect-timeout", d.Session.ConnectTimeout.D(), "connect and handshake timeout")
	pf.Duration("step-timeout", d.Session.StepTimeout.D(), "per-step timeout")
	pf.Duration("reset-timeout", d.Session.ResetTimeout.D(), "per-reset timeout")

	a.bind(pf, "log.level", "log-level")
	a.bind(pf, "log.file", "log-file")
	a.bind(pf, "session.action.addr", "action")
	a.bind(pf, "session.action.role", "action-role")
	a.bind(pf, "session.observation.addr", "observation")
	a.bind(pf, "session.observation.role", "observation-role")
	a.bind(pf, "session.mode", "mode")
	a.bind(pf, "session.instance_id", "instance-id")
	a.bind(pf, "session.connect_timeout", "connect-timeout")
	a.bind(pf, "session.step_timeout", "step-timeout")
	a.bind(pf, "session.reset_timeout", "reset-timeout")

	rootCmd.AddCommand(
		newRunCmd(a),
		newHandshakeCmd(a),
		newMocksimCmd(a),
		newTraceCmd(a),
		newEpisodesCmd(a),
	)
	return rootCmd
}
