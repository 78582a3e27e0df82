package main

import (
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/snapetech/hdhrbridge/internal/config"
	"github.com/snapetech/hdhrbridge/internal/log"
)

type rootOptions struct {
	configFile string
	envFile    string
	logLevel   string

	cfg *config.Config
}

func newRootCmd() *cobra.Command {
	o := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "hdhr-bridge",
		Short:         "IPTV to HDHomeRun bridge for Plex",
		Version:       versionString(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return o.load(cmd)
		},
	}
	f := cmd.PersistentFlags()
	f.StringVar(&o.configFile, "config", "", "YAML config file")
	f.StringVar(&o.envFile, "env-file", ".env", "environment file loaded before reading settings")
	f.StringVar(&o.logLevel, "log-level", "", "log level, overrides LOG_LEVEL")

	cmd.AddCommand(newServeCmd(o), newProbeCmd(o), newLineupCmd(o), newCheckCmd(o), newVersionCmd())
	return cmd
}

func (o *rootOptions) load(cmd *cobra.Command) error {
	if err := config.LoadEnvFile(o.envFile); err != nil {
		return err
	}
	v := viper.New()
	if o.configFile != "" {
		v.SetConfigFile(o.configFile)
	}
	if cmd.Flags().Changed("log-level") {
		v.Set("log_level", o.logLevel)
	}
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}
	o.cfg = cfg
	log.Configure(log.Config{
		Level:   cfg.LogLevel,
		Output:  os.Stderr,
		Console: isatty.IsTerminal(os.Stderr.Fd()),
	})
	return nil
}
