package main

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/rvkvit/Test-Automation-Platform/pkg/engine"
	"github.com/rvkvit/Test-Automation-Platform/pkg/store"
)

var (
	runTestCaseID uint
	runProjectID  uint
	runCaseIDs    []uint
	runHeadful    bool
	runExecutedBy string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute a test case or a project suite",
	Long: `Execute a single translated test case (--testcase) or every
executable test case of a project (--project), waiting for the result.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().UintVar(&runTestCaseID, "testcase", 0, "test case ID to execute")
	runCmd.Flags().UintVar(&runProjectID, "project", 0, "project ID to execute as a suite")
	runCmd.Flags().UintSliceVar(&runCaseIDs, "cases", nil, "suite subset of test case IDs")
	runCmd.Flags().BoolVar(&runHeadful, "headful", false, "run with a visible browser window")
	runCmd.Flags().StringVar(&runExecutedBy, "executed-by", "cli", "identity recorded on the execution")

	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	if (runTestCaseID == 0) == (runProjectID == 0) {
		return fmt.Errorf("exactly one of --testcase or --project is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, err := buildServices(ctx)
	if err != nil {
		return err
	}
	defer svc.stop()

	opts := engine.RunOptions{ExecutedBy: runExecutedBy}

	if runHeadful {
		headless := false
		opts.Headless = &headless
	}

	var rec *store.ExecutionRecord

	if runTestCaseID != 0 {
		rec, err = svc.engine.ExecuteTestCase(ctx, runTestCaseID, opts)
	} else {
		rec, err = svc.engine.ExecuteSuite(ctx, runProjectID, runCaseIDs, opts)
	}

	if err != nil {
		return fmt.Errorf("executing: %w", err)
	}

	printExecutionSummary(svc, rec)

	if rec.Status != store.ExecutionPassed {
		return fmt.Errorf("execution finished with status %s", rec.Status)
	}

	return nil
}

func printExecutionSummary(svc *services, rec *store.ExecutionRecord) {
	bold := color.New(color.Bold)
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	yellow := color.New(color.FgYellow)

	statusColor := green
	switch rec.Status {
	case store.ExecutionFailed:
		statusColor = red
	case store.ExecutionError:
		statusColor = yellow
	}

	bold.Printf("Execution #%d\n", rec.ID)
	fmt.Print("  status:   ")
	statusColor.Println(rec.Status)
	fmt.Printf("  passed:   %d\n", rec.TestsPassed)
	fmt.Printf("  failed:   %d\n", rec.TestsFailed)
	fmt.Printf("  duration: %.1fs\n", rec.DurationSeconds)

	if rec.ErrorMessage != "" {
		fmt.Print("  error:    ")
		yellow.Println(rec.ErrorMessage)
	}

	if rec.LogPath != "" {
		fmt.Printf("  log:      %s\n", svc.artifacts.Abs(rec.LogPath))
	}

	if rec.ReportPath != "" {
		fmt.Printf("  report:   %s\n", svc.artifacts.Abs(rec.ReportPath))
	}

	if rec.VideoPath != "" {
		fmt.Printf("  video:    %s\n", svc.artifacts.Abs(rec.VideoPath))
	}
}
