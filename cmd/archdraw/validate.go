package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/jkaninda/archdraw/internal/codecheck"
)

var validateCmd = &cobra.Command{
	Use:   "validate <script.py | ->",
	Short: "Screen a diagram script without running it",
	Long: `Runs the same static checks applied before every sandbox execution:
length limit, forbidden constructs and the required diagrams import.
Exits non-zero when the script is rejected.`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

func runValidate(_ *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var code []byte
	if args[0] == "-" {
		code, err = io.ReadAll(os.Stdin)
	} else {
		code, err = os.ReadFile(args[0])
	}
	if err != nil {
		return fmt.Errorf("reading script: %w", err)
	}

	v := codecheck.New(codecheck.Config{
		MaxLength:     cfg.Diagram.MaxCodeLength(),
		ExtraDenylist: cfg.Diagram.ExtraDenylist,
	})
	verdict := v.Validate(string(code))
	if !verdict.OK {
		return fmt.Errorf("rejected: %s", verdict)
	}
	fmt.Println("ok")
	return nil
}
