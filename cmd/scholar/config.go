package main

import (
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/joss/scholar/internal/config"
	"github.com/joss/scholar/internal/render"
)

func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			w := render.Stdout()
			w.Println("# env file: %s", config.GetPaths().EnvFile)
			w.Block(string(out))
			if err := cfg.Validate(); err != nil {
				w.Println("# %v", err)
				return err
			}
			w.Println("# valid")
			return nil
		},
	}
}
