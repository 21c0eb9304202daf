package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/rvkvit/Test-Automation-Platform/pkg/store"
)

var (
	recordProjectID uint
	recordName      string
	recordBrowser   string
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record a browser session as a new test case",
	Long: `Launch the capture tool against the project's base URL and record
interactions until interrupted. On Ctrl-C the captured script is saved
and registered as an untranslated test case.`,
	RunE: runRecord,
}

func init() {
	recordCmd.Flags().UintVar(&recordProjectID, "project", 0, "project ID to record for")
	recordCmd.Flags().StringVar(&recordName, "name", "", "test case name")
	recordCmd.Flags().StringVar(&recordBrowser, "browser", "", "browser engine (chromium, firefox, webkit)")
	_ = recordCmd.MarkFlagRequired("project")
	_ = recordCmd.MarkFlagRequired("name")

	rootCmd.AddCommand(recordCmd)
}

func runRecord(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, err := buildServices(ctx)
	if err != nil {
		return err
	}
	defer svc.stop()

	project, err := svc.store.GetProjectByID(ctx, recordProjectID)
	if err != nil {
		return fmt.Errorf("loading project: %w", err)
	}

	info, err := svc.recorder.Start(project.Name, recordName, recordBrowser, project.BaseURL)
	if err != nil {
		return fmt.Errorf("starting capture: %w", err)
	}

	log.WithField("pid", info.PID).Info("Capture session started")
	fmt.Println("Recording... press Ctrl-C to stop and save the script")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	info, err = svc.recorder.Stop(project.Name, recordName)
	if err != nil {
		return fmt.Errorf("stopping capture: %w", err)
	}

	tc := &store.TestCase{
		ProjectID:     project.ID,
		Name:          info.FinalName,
		BrowserEngine: recordBrowser,
		RawScriptPath: info.OutputPath,
	}

	if err := svc.store.CreateTestCase(ctx, tc); err != nil {
		return fmt.Errorf("registering test case: %w", err)
	}

	if err := svc.store.AddScriptVersion(ctx, &store.ScriptVersion{
		TestCaseID:    tc.ID,
		RawScriptPath: info.OutputPath,
	}); err != nil {
		log.WithError(err).Warn("Failed to record script version")
	}

	color.New(color.FgGreen).Printf("Saved test case #%d (%s)\n", tc.ID, tc.Name)
	fmt.Printf("  script: %s\n", svc.artifacts.Abs(info.OutputPath))

	return nil
}
