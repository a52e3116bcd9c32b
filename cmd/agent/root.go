package main

import (
	"fmt"

	"github.com/Hara602/captureSentry/internal/config"
	"github.com/Hara602/captureSentry/internal/cryptoutil"
	"github.com/Hara602/captureSentry/internal/sysutil"
	"github.com/spf13/cobra"
)

var version = "dev"

type rootOptions struct {
	configPath string
	logLevel   string
	cfg        *config.Config
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "capture-sentry",
		Short: "Screen capture / content leakage sentry agent",
		Long: `capture-sentry watches screenshot and recording tools, tags new images and
documents with a forensic payload and ships alert lines through an offline
spool to the collector.`,
		Version:      version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			if opts.logLevel != "" {
				cfg.Log.Level = opts.logLevel
			}
			if err := sysutil.InitLogger(sysutil.LogOptions{Level: cfg.Log.Level, Encoding: cfg.Log.Encoding}); err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			opts.cfg = cfg
			return nil
		},
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file (.toml, .yaml or .json)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override log level (debug, info, warn, error)")

	cmd.AddCommand(
		newRunCmd(opts),
		newSpoolCmd(opts),
		newTokenCmd(opts),
		newDecodeCmd(opts),
	)
	return cmd
}

func (o *rootOptions) cipher() (*cryptoutil.AESGCM, error) {
	c, err := cryptoutil.NewAESGCM(o.cfg.Forensic.CryptoKey)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	return c, nil
}
