package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		out, err := cfg.Dump()
		if err != nil {
			return err
		}

		fmt.Print(out)

		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
}
