package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fentz26/nvrpanel/internal/tui"
)

func runPanel(cmd *cobra.Command, args []string) error {
	a, err := openApp(true)
	if err != nil {
		return err
	}
	defer a.Close()

	panel := tui.New(cmd.Context(), a.orch, tui.Options{
		PollInterval: a.settings.Scheduler.PollInterval,
	})
	if err := panel.Run(); err != nil {
		return fmt.Errorf("panel error: %w", err)
	}
	return nil
}
