package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/archdraw/internal/providers"
)

var modelsProvider string

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List the models of a provider using the configured server key",
	RunE:  runModels,
}

func init() {
	modelsCmd.Flags().StringVar(&modelsProvider, "provider", "", "provider name (default: providers.default)")
}

func runModels(_ *cobra.Command, _ []string) error {
	logger := newLogger(false)
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := resolveSecrets(ctx, cfg); err != nil {
		return fmt.Errorf("resolving secrets: %w", err)
	}

	reg := providers.New(cfg.Providers, logger)
	name := modelsProvider
	if name == "" {
		name = reg.Default()
	}
	models, err := reg.Models(ctx, name, "")
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "MODEL\tDESCRIPTION")
	for _, m := range models {
		marker := ""
		if m.ID == reg.DefaultModel(name) {
			marker = " (default)"
		}
		fmt.Fprintf(w, "%s%s\t%s\n", m.ID, marker, m.Description)
	}
	return w.Flush()
}
