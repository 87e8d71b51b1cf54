package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().String("user", "", "user id to act as")
	initCmd.Flags().String("token", "", "API token")
}

var initCmd = &cobra.Command{
	Use:   "init <base-url>",
	Short: "Store the backend URL in ~/.chatstate/config.toml",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfigFile()
		if err != nil {
			return err
		}

		cfg.Default.BaseURL = args[0]
		if user, _ := cmd.Flags().GetString("user"); user != "" {
			cfg.Auth.UserID = user
		}
		if token, _ := cmd.Flags().GetString("token"); token != "" {
			cfg.Auth.Token = token
		}
		if cfg.Cache.Path == "" {
			cfg.Cache.Path = defaultCachePath()
		}

		if err := saveConfig(cfg); err != nil {
			return err
		}
		path, _ := configPath()
		fmt.Fprintf(cmd.OutOrStdout(), "Configuration saved to %s\n", path)
		return nil
	},
}
