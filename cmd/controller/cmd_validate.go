package main

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/t031a5/controlcore/internal/runtime"
)

var validateCmd = &cobra.Command{
	Use:   "validate-config",
	Short: "Check the configuration and every capability tag it names",
	RunE:  runValidate,
}

func runValidate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	reg, err := runtime.DefaultRegistries()
	if err != nil {
		return err
	}
	for _, s := range cfg.Sources {
		if s.IsEnabled() && !slices.Contains(reg.Sources.Tags(), s.Type) {
			return fmt.Errorf("source %s: unknown type %q", s.ID, s.Type)
		}
	}
	for _, p := range cfg.Reasoning.Providers {
		if p.IsEnabled() && !slices.Contains(reg.Providers.Tags(), p.Type) {
			return fmt.Errorf("provider %s: unknown type %q", p.Name, p.Type)
		}
	}
	for _, a := range cfg.Actuators {
		if a.IsEnabled() && !slices.Contains(reg.Actuators.Tags(), a.Type) {
			return fmt.Errorf("actuator %s: unknown type %q", a.ID, a.Type)
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "ok: %d sources, %d providers, %d actuators\n",
		len(cfg.Sources), len(cfg.Reasoning.Providers), len(cfg.Actuators))
	return nil
}
