package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	internalcontext "lookout/internal/context"
	"lookout/internal/types"
)

var (
	ctxRoot   string
	ctxQuery  string
	ctxOutput string
	ctxBudget int
)

var contextCmd = &cobra.Command{
	Use:   "context",
	Short: "Build a context artifact once and print its stats",
	Long: `Build the project context artifact the observer would send to the
model, without running the observer. Useful for checking what fits in the
budget. With --query the smart selector ranks files by relevance; without
it the full walk applies.`,
	RunE: runContext,
}

func init() {
	contextCmd.Flags().StringVar(&ctxRoot, "root", "", "Project root (default: current directory)")
	contextCmd.Flags().StringVar(&ctxQuery, "query", "", "Rank files for this question (smart mode)")
	contextCmd.Flags().StringVarP(&ctxOutput, "output", "o", "", "Artifact path (default: under the sessions dir)")
	contextCmd.Flags().IntVar(&ctxBudget, "budget", 0, "Byte budget override (default: from config)")
}

func runContext(cmd *cobra.Command, args []string) error {
	root := ctxRoot
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("resolving working directory: %w", err)
		}
		root = wd
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("resolving project root: %w", err)
	}

	output := ctxOutput
	if output == "" {
		name := fmt.Sprintf("project_context_adhoc_%s.txt", time.Now().Format(types.SessionIDLayout))
		output = filepath.Join(cfg.SessionsDir, name)
	}
	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}

	budget := ctxBudget
	if budget <= 0 {
		budget = cfg.Context.MaxSizeBytes
	}

	req := internalcontext.BuildRequest{
		Root:        abs,
		OutputPath:  output,
		Mode:        internalcontext.ModeFull,
		BudgetBytes: budget,
		Exclusions:  cfg.Context.Exclusions,
	}
	if ctxQuery != "" {
		req.Mode = internalcontext.ModeSmart
		req.Query = ctxQuery
	}

	builder := internalcontext.NewBuilder(internalcontext.DefaultScorePolicy())
	artifact, err := builder.Build(context.Background(), req)
	if err != nil {
		return err
	}

	fmt.Printf("Artifact: %s\n", output)
	fmt.Printf("Mode:     %s\n", req.Mode)
	fmt.Printf("Size:     %d bytes (budget %d)\n", artifact.SizeBytes, budget)
	fmt.Printf("Included: %d file(s)\n", len(artifact.Included))
	if len(artifact.Omitted) > 0 {
		fmt.Printf("Omitted:  %d file(s) (binary or over budget)\n", len(artifact.Omitted))
	}
	return nil
}
