// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app provides the entry point for the oidcgate command-line application.
package app

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/oidcgate/pkg/api"
	"github.com/stacklok/oidcgate/pkg/config"
	"github.com/stacklok/oidcgate/pkg/logger"
	"github.com/stacklok/oidcgate/pkg/versions"
)

// NewRootCmd creates a new root command for the oidcgate CLI. Settings are
// read from the environment (UPSTREAM_URL, OPENID_CLIENT_ID, ...) and from
// the optional --config file.
func NewRootCmd() *cobra.Command {
	v := config.NewViper()

	rootCmd := &cobra.Command{
		Use:               "oidcgate",
		DisableAutoGenTag: true,
		Short:             "OpenID Connect authenticating reverse proxy",
		Long: `oidcgate sits in front of an upstream service and authenticates every request
against an OpenID Connect provider. Access is granted per route based on the
claims of the user's tokens, and the tokens themselves are kept in cookies.

HTTP/1.1, HTTP/2 and WebSocket traffic is proxied.`,
		SilenceUsage: true,
		Run: func(cmd *cobra.Command, _ []string) {
			// If no subcommand is provided, print help
			if err := cmd.Help(); err != nil {
				logger.Errorf("Error displaying help: %v", err)
			}
		},
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			logger.Initialize()
			return readConfigFile(v)
		},
	}

	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorf("Error binding debug flag: %v", err)
	}
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to a YAML configuration file")
	if err := v.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config")); err != nil {
		logger.Errorf("Error binding config flag: %v", err)
	}

	rootCmd.AddCommand(newServeCmd(v))
	rootCmd.AddCommand(newValidateCmd(v))
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

func readConfigFile(v *viper.Viper) error {
	path := v.GetString("config")
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read configuration file %s: %w", path, err)
	}
	logger.Debugf("Loaded configuration file %s", path)
	return nil
}

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the proxy",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return fmt.Errorf("configuration loading failed: %w", err)
			}
			return api.Serve(cmd.Context(), cfg, api.Options{Version: versions.GetVersionInfo().Version})
		},
	}

	cmd.Flags().Int("port", 3000, "Port to listen on")
	cmd.Flags().String("hostname", "", "Address to bind to")
	for _, name := range []struct{ flag, key string }{
		{"port", config.KeyPort},
		{"hostname", config.KeyHostname},
	} {
		if err := v.BindPFlag(name.key, cmd.Flags().Lookup(name.flag)); err != nil {
			logger.Errorf("Error binding %s flag: %v", name.flag, err)
		}
	}
	return cmd
}

func newValidateCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration without starting the proxy",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return fmt.Errorf("validation failed: %w", err)
			}
			cmd.Printf("Configuration is valid\n")
			cmd.Printf("  Upstream: %s\n", cfg.UpstreamURL)
			cmd.Printf("  Host URL: %s\n", cfg.HostURL)
			cmd.Printf("  Mappings: %d public, %d api, %d pages, %d ws\n",
				len(cfg.Snapshot.Mappings.Public), len(cfg.Snapshot.Mappings.API),
				len(cfg.Snapshot.Mappings.Pages), len(cfg.Snapshot.Mappings.WS))
			if cfg.Remote.Endpoint != "" {
				cmd.Printf("  Remote configuration: %s every %s\n", cfg.Remote.Endpoint, cfg.Remote.Interval)
			}
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := versions.GetVersionInfo()
			if asJSON {
				out, err := json.MarshalIndent(info, "", "  ")
				if err != nil {
					return err
				}
				cmd.Println(string(out))
				return nil
			}
			cmd.Printf("oidcgate %s (commit %s, built %s, %s %s)\n",
				info.Version, info.Commit, info.BuildDate, info.GoVersion, info.Platform)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print as JSON")
	return cmd
}
