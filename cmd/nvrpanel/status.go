package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fentz26/nvrpanel/internal/models"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the install phase, host capabilities and recorder state",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check Docker, Compose and the MemryX SDK on this host",
	Args:  cobra.NoArgs,
	RunE:  runDoctor,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent decisions, commands and install runs",
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

var historyLimit int

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "number of records per section")
	rootCmd.AddCommand(statusCmd, doctorCmd, historyCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := openApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	snap, err := a.orch.Status(cmd.Context())
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(snap)
	}

	fmt.Printf("Phase:     %s\n", snap.Phase.Label())
	if len(snap.Phase.Pending) > 0 {
		fmt.Printf("Pending:   %s\n", strings.Join(snap.Phase.Pending, ", "))
	}
	for _, issue := range snap.Phase.Issues {
		fmt.Printf("  - %s\n", issue)
	}
	fmt.Printf("Recorder:  %s\n", snap.Container.Status)
	if snap.Container.Reason != "" {
		fmt.Printf("Reason:    %s\n", snap.Container.Reason)
	}
	fmt.Printf("Config:    %s\n", snap.ConfigPath)
	if snap.Install != nil && len(snap.Install.Steps) > 0 {
		fmt.Println()
		printSteps(snap.Install.Steps)
	}
	for _, w := range snap.Warnings {
		fmt.Printf("\nWarning: %s\n", w)
	}
	if snap.LastError != "" {
		fmt.Printf("\nLast error: %s\n", snap.LastError)
	}
	return nil
}

func printSteps(steps []models.StepState) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STEP\tSTATUS\tATTEMPTS\tERROR")
	for _, st := range steps {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", st.ID, st.Status, st.Attempts, truncate(st.Error, 60))
	}
	w.Flush()
}

func runDoctor(cmd *cobra.Command, args []string) error {
	a, err := openApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	report := a.orch.Prerequisites(cmd.Context())
	if jsonOutput {
		return printJSON(report)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CAPABILITY\tPRESENT\tVERSION\tDETAIL")
	for _, c := range report.Capabilities {
		present := "yes"
		switch {
		case !c.Present:
			present = "no"
		case !c.Compatible:
			present = "incompatible"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", c.Name, present, c.Version, truncate(c.Detail, 60))
	}
	return w.Flush()
}

func runHistory(cmd *cobra.Command, args []string) error {
	a, err := openApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	decisions, err := a.store.ListPDR(historyLimit)
	if err != nil {
		return err
	}
	runs, err := a.store.ListInstallRuns(ctx, historyLimit)
	if err != nil {
		return err
	}
	commands, err := a.store.ListCommandRuns(ctx, historyLimit)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(map[string]any{
			"decisions":    decisions,
			"install_runs": runs,
			"commands":     commands,
		})
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tACTION\tOUTCOME\tSUBJECT")
	for _, d := range decisions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", d.Timestamp.Local().Format(time.DateTime), d.Action, d.Outcome, truncateID(d.Subject))
	}
	w.Flush()

	fmt.Println()
	w = tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tSTARTED\tOUTCOME\tFAILED STEP")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", truncateID(r.ID), r.StartedAt.Local().Format(time.DateTime), r.Outcome, r.FailedStep)
	}
	w.Flush()

	fmt.Println()
	w = tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tEXIT\tDURATION\tCOMMAND")
	for _, c := range commands {
		line := strings.TrimSpace(c.Command + " " + strings.Join(c.Args, " "))
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", c.StartedAt.Local().Format(time.DateTime), c.ExitCode, c.Duration.Round(time.Millisecond), truncate(line, 70))
	}
	return w.Flush()
}
