package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fentz26/nvrpanel/internal/models"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the recorder container and wait until it is healthy",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runContainerOp(cmd, "Starting", func(a *app, ctx context.Context) (models.ContainerState, error) {
			return a.orch.Start(ctx)
		})
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the recorder container",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runContainerOp(cmd, "Stopping", func(a *app, ctx context.Context) (models.ContainerState, error) {
			return a.orch.Stop(ctx)
		})
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Restart the recorder container to apply config changes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runContainerOp(cmd, "Restarting", func(a *app, ctx context.Context) (models.ContainerState, error) {
			return a.orch.Restart(ctx)
		})
	},
}

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Print the recorder container's recent log lines",
	Args:  cobra.NoArgs,
	RunE:  runLogs,
}

var logsTail int

func init() {
	logsCmd.Flags().IntVarP(&logsTail, "tail", "n", 0, "number of lines (default from settings)")
	rootCmd.AddCommand(startCmd, stopCmd, restartCmd, logsCmd)
}

func runContainerOp(cmd *cobra.Command, verb string, op func(*app, context.Context) (models.ContainerState, error)) error {
	a, err := openApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	fmt.Printf("%s the recorder...\n", verb)
	st, err := op(a, cmd.Context())
	if err != nil {
		if st.Reason != "" {
			fmt.Printf("Recorder %s: %s\n", st.Status, st.Reason)
		}
		return err
	}
	fmt.Printf("Recorder %s\n", st.Status)
	return nil
}

func runLogs(cmd *cobra.Command, args []string) error {
	a, err := openApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	out, err := a.orch.Logs(cmd.Context(), logsTail)
	if err != nil {
		return err
	}
	fmt.Print(out)
	return nil
}
