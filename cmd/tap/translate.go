package main

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var translateTestCaseID uint

var translateCmd = &cobra.Command{
	Use:   "translate",
	Short: "Translate a captured script into a structured test document",
	RunE:  runTranslate,
}

func init() {
	translateCmd.Flags().UintVar(&translateTestCaseID, "testcase", 0, "test case ID to translate")
	_ = translateCmd.MarkFlagRequired("testcase")

	rootCmd.AddCommand(translateCmd)
}

func runTranslate(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, err := buildServices(ctx)
	if err != nil {
		return err
	}
	defer svc.stop()

	outcome, err := svc.translator.Translate(ctx, translateTestCaseID)
	if err != nil {
		return fmt.Errorf("translating: %w", err)
	}

	if outcome.Failed() {
		color.New(color.FgRed).Printf("Translation failed: %s\n", outcome.Error)

		return fmt.Errorf("translation failed")
	}

	color.New(color.FgGreen).Println("Translation succeeded")
	fmt.Printf("  document: %s\n", svc.artifacts.Abs(outcome.ArtifactPath))

	if outcome.Explanation != "" {
		fmt.Printf("  summary:  %s\n", outcome.Explanation)
	}

	for _, warning := range outcome.Warnings {
		color.New(color.FgYellow).Printf("  warning:  %s\n", warning)
	}

	return nil
}
