package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	goutils "github.com/jkaninda/go-utils"
	"github.com/spf13/cobra"

	"github.com/jkaninda/archdraw/internal/diagram"
	"github.com/jkaninda/archdraw/internal/repair"
)

var (
	genProvider  string
	genModel     string
	genOut       string
	genRequester string
)

var generateCmd = &cobra.Command{
	Use:   "generate <request>",
	Short: "Generate one diagram from the command line",
	Example: `  archdraw generate "three web servers behind a load balancer, writing to a Postgres primary with one replica"
  archdraw generate --provider openai --out lb.png "load balancer in front of two app servers"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runGenerate,
}

func init() {
	generateCmd.Flags().StringVar(&genProvider, "provider", "", "provider for this request only (default: saved or configured)")
	generateCmd.Flags().StringVar(&genModel, "model", "", "model for this request only")
	generateCmd.Flags().StringVarP(&genOut, "out", "o", "", "copy the rendered diagram to this path")
	generateCmd.Flags().StringVar(&genRequester, "as", "", "requester id for preferences and history (default: cli:$USER)")
}

func runGenerate(_ *cobra.Command, args []string) error {
	logger := newLogger(false)
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Cleanup()

	requester := genRequester
	if requester == "" {
		requester = "cli:" + goutils.Env("USER", "local")
	}

	res, err := app.Diagrams.Create(ctx, diagram.Request{
		RequesterID: requester,
		Text:        strings.Join(args, " "),
		Provider:    genProvider,
		Model:       genModel,
		Observe: func(_ context.Context, s repair.State) {
			fmt.Fprintf(os.Stderr, "… %s\n", s)
		},
	})
	if err != nil {
		return err
	}

	if !res.Succeeded() {
		fmt.Fprintf(os.Stderr, "Last script:\n%s\n", res.Code)
		return fmt.Errorf("diagram not created after %d attempt(s) (%s): %s", res.Attempts, res.Status, res.Error)
	}

	path := res.ArtifactPath
	if genOut != "" {
		if err := copyFile(res.ArtifactPath, genOut); err != nil {
			return fmt.Errorf("writing %s: %w", genOut, err)
		}
		path = genOut
	}
	fmt.Printf("Diagram ready: %s (%s/%s, %d attempt(s), %s)\n",
		path, res.Provider, res.Model, res.Attempts, res.Duration.Round(time.Millisecond))
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if dir := filepath.Dir(dst); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
