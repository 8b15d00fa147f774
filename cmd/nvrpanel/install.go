package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fentz26/nvrpanel/internal/installer"
	"github.com/fentz26/nvrpanel/internal/models"
)

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install Docker, the MemryX SDK and the recorder image",
	Long: `Runs every install step that is not already satisfied. Completed steps are
remembered, so an interrupted install resumes where it stopped.`,
	Args: cobra.NoArgs,
	RunE: runInstall,
}

var (
	installReset   bool
	installVerbose bool
)

func init() {
	installCmd.Flags().BoolVar(&installReset, "reset", false, "forget completed steps and re-check every step")
	installCmd.Flags().BoolVarP(&installVerbose, "verbose", "v", false, "print command output")
	rootCmd.AddCommand(installCmd)
}

func runInstall(cmd *cobra.Command, args []string) error {
	a, err := openApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	if installReset {
		if err := a.orch.ResetInstall(ctx); err != nil {
			return err
		}
		fmt.Println("Install state reset")
	}

	last := map[string]string{}
	out, err := a.orch.RunInstall(ctx, func(p installer.Progress) {
		if p.Line != "" {
			if installVerbose {
				fmt.Printf("    %s | %s\n", p.StepID, p.Line)
			}
			return
		}
		for _, st := range p.Steps {
			key := fmt.Sprintf("%s/%d", st.Status, st.Attempts)
			if st.ID != p.StepID || last[st.ID] == key {
				continue
			}
			last[st.ID] = key
			fmt.Printf("%s %-20s %s\n", statusGlyph(st.Status), st.ID, describeStep(st))
		}
	})
	if err != nil {
		if out != nil && out.FailedStep != "" {
			if st, ok := findStep(out.Steps, out.FailedStep); ok && st.Output != "" {
				fmt.Printf("\nLast output of %s:\n%s\n", st.ID, st.Output)
			}
		}
		return err
	}

	fmt.Println("\nInstall complete. Add a camera with: nvrpanel config camera add")
	return nil
}

func statusGlyph(s models.StepStatus) string {
	switch s {
	case models.StepRunning:
		return "◐"
	case models.StepSucceeded:
		return "●"
	case models.StepSkipped:
		return "◑"
	case models.StepFailed:
		return "✗"
	default:
		return "○"
	}
}

func describeStep(st models.StepState) string {
	switch st.Status {
	case models.StepSkipped:
		return "already satisfied"
	case models.StepFailed:
		return "failed: " + st.Error
	case models.StepRunning:
		if st.Attempts > 1 {
			return fmt.Sprintf("retrying (attempt %d)", st.Attempts)
		}
		return "running"
	default:
		return string(st.Status)
	}
}

func findStep(steps []models.StepState, id string) (models.StepState, bool) {
	for _, st := range steps {
		if st.ID == id {
			return st, true
		}
	}
	return models.StepState{}, false
}
