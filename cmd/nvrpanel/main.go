package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fentz26/nvrpanel/internal/settings"
	"github.com/fentz26/nvrpanel/internal/update"
)

var rootCmd = &cobra.Command{
	Use:   "nvrpanel",
	Short: "nvrpanel - Frigate NVR installer and control panel",
	Long: `nvrpanel installs Docker, the MemryX SDK and the Frigate NVR on this host,
edits the recorder configuration and manages the recorder container.

Run without a subcommand to open the interactive panel.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRun:  checkForUpdate,
	RunE:              runPanel,
	Args:              cobra.NoArgs,
	CompletionOptions: cobra.CompletionOptions{HiddenDefaultCmd: true},
}

var (
	settingsPath string
	logLevel     string
	apiAddr      string
	jsonOutput   bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&settingsPath, "settings", "", "settings file (default "+settings.DefaultPath()+")")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level")
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "http://127.0.0.1:8765", "API server address used by remote commands")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print JSON instead of text where supported")
}

// checkForUpdate prints a notice when a newer recorder release is out. It
// uses the cached result unless the cache is stale.
func checkForUpdate(cmd *cobra.Command, args []string) {
	skip := map[string]bool{
		"nvrpanel": true, // the panel shows its own status
		"version":  true,
		"serve":    true,
		"help":     true,
		"init":     true,
	}
	if skip[cmd.Name()] || jsonOutput {
		return
	}

	s, err := settings.Load(settingsPath)
	if err != nil {
		return
	}
	checker := update.NewChecker(s.DataDir)
	if !checker.ShouldCheck() {
		return
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 3*time.Second)
	defer cancel()
	res, err := checker.Check(ctx, s.Install.RecorderVersion, false)
	if err != nil || !res.Available {
		return
	}
	fmt.Fprintf(os.Stderr, "Frigate %s is available (installed %s): %s\n\n", res.Latest, res.Current, res.URL)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
