package main

import (
	"fmt"
	"strings"

	"drmadapter/internal/drm"
	"drmadapter/internal/job"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status JOB_ID...",
	Short: "Print the state of jobs",
	Long: `Print one line per job: the job id and its state.

"?" means the job is unknown to the resource manager; "??" means the
query itself failed.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runStatus,
}

var killCmd = &cobra.Command{
	Use:   "kill JOB_ID...",
	Short: "Terminate jobs",
	Long:  "Ask the resource manager to terminate each job. Every job is attempted even if one fails.",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runKill,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(killCmd)
}

// tasksFromArgs builds task handles for job ids given on the command line.
func tasksFromArgs(args []string) ([]*job.Task, error) {
	tasks := make([]*job.Task, 0, len(args))
	for _, arg := range args {
		id, err := drm.ParseJobID(arg)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, &job.Task{UID: arg, JobID: &id})
	}
	return tasks, nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	tasks, err := tasksFromArgs(args)
	if err != nil {
		return err
	}

	sessions := newSessions()
	defer sessions.Close()

	controller := job.NewController(sessions)
	statuses := controller.Statuses(cmd.Context(), tasks)

	var b strings.Builder
	unknown := 0
	for _, t := range tasks {
		status := statuses[*t.JobID]
		if job.IsUnknownStatus(status) {
			unknown++
		}
		fmt.Fprintf(&b, "%s\t%s\n", t.JobID, status)
	}
	fmt.Fprint(cmd.OutOrStdout(), b.String())

	if unknown > 0 {
		return &exitError{code: exitUnknownJobs, err: fmt.Errorf("%d of %d jobs could not be reported", unknown, len(tasks))}
	}
	return nil
}

func runKill(cmd *cobra.Command, args []string) error {
	tasks, err := tasksFromArgs(args)
	if err != nil {
		return err
	}

	sessions := newSessions()
	defer sessions.Close()

	return job.NewController(sessions).KillMany(cmd.Context(), tasks)
}
