package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/fentz26/nvrpanel/internal/settings"
	"github.com/fentz26/nvrpanel/internal/update"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version of nvrpanel",
	Long:  `Display the nvrpanel version. With --check, also look up the latest Frigate release.`,
	Args:  cobra.NoArgs,
	RunE:  runVersion,
}

var versionCheck bool

func init() {
	versionCmd.Flags().BoolVar(&versionCheck, "check", false, "check GitHub for a newer Frigate release")
	rootCmd.AddCommand(versionCmd)
}

func runVersion(cmd *cobra.Command, args []string) error {
	fmt.Printf("nvrpanel version %s\n", update.Version)
	fmt.Printf("  OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go version: %s\n", runtime.Version())
	if !versionCheck {
		return nil
	}

	s, err := settings.Load(settingsPath)
	if err != nil {
		return err
	}
	res, err := update.NewChecker(s.DataDir).Check(cmd.Context(), s.Install.RecorderVersion, true)
	if err != nil {
		return err
	}
	fmt.Printf("  Frigate: %s (latest %s)\n", res.Current, res.Latest)
	if res.Available {
		fmt.Printf("  A newer release is available: %s\n", res.URL)
	}
	return nil
}
