package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fentz26/nvrpanel/internal/models"
	"github.com/fentz26/nvrpanel/internal/scheduler"
)

var remoteCmd = &cobra.Command{
	Use:   "remote",
	Short: "Talk to a running 'nvrpanel serve' (see --api)",
}

var remoteHealthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check that the API server is up",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := CheckHealth()
		if h != nil {
			fmt.Printf("OK:      %v\nDB:      %s\nVersion: %s\nTime:    %s\n", h.OK, h.DB, h.Version, h.Time)
		}
		return err
	},
}

var remoteStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the server's status snapshot",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var snap models.Snapshot
		if err := apiGet("/status", &snap); err != nil {
			return err
		}
		return printJSON(snap)
	},
}

var remoteJobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List jobs submitted to the server",
	Args:  cobra.NoArgs,
	RunE:  runRemoteJobs,
}

var remoteRunCmd = &cobra.Command{
	Use:       "run <install|start|stop|restart>",
	Short:     "Submit an operation to the server",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"install", "start", "stop", "restart"},
	RunE:      runRemoteOp,
}

var remoteCancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Cancel the server's running operation",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var out map[string]string
		resp, err := newAPIClient().R().SetResult(&out).Post("/cancel")
		if err := checkResponse(resp, err); err != nil {
			return err
		}
		fmt.Println("Cancellation requested")
		return nil
	},
}

var remoteWait bool

func init() {
	remoteRunCmd.Flags().BoolVarP(&remoteWait, "wait", "w", false, "wait for the job to finish")
	remoteCmd.AddCommand(remoteHealthCmd, remoteStatusCmd, remoteJobsCmd, remoteRunCmd, remoteCancelCmd)
	rootCmd.AddCommand(remoteCmd)
}

func runRemoteJobs(cmd *cobra.Command, args []string) error {
	var jobs []scheduler.Job
	if err := apiGet("/jobs", &jobs); err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(jobs)
	}
	if len(jobs) == 0 {
		fmt.Println("No jobs found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tCREATED\tERROR")
	for _, j := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", truncateID(j.ID), j.Name, j.Status,
			j.CreatedAt.Local().Format(time.DateTime), truncate(j.Error, 50))
	}
	return w.Flush()
}

func runRemoteOp(cmd *cobra.Command, args []string) error {
	path := "/container/" + args[0]
	if args[0] == "install" {
		path = "/install"
	}
	job, err := apiPost(path)
	if err != nil {
		return err
	}
	fmt.Printf("Submitted %s as job %s\n", job.Name, job.ID)
	if !remoteWait {
		return nil
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for !job.Status.Done() {
		select {
		case <-cmd.Context().Done():
			return cmd.Context().Err()
		case <-ticker.C:
		}
		var j scheduler.Job
		if err := apiGet("/jobs/"+job.ID, &j); err != nil {
			return err
		}
		job = &j
	}
	if job.Error != "" {
		return fmt.Errorf("%s %s: %s", job.Name, job.Status, job.Error)
	}
	fmt.Printf("%s %s\n", job.Name, job.Status)
	return nil
}
