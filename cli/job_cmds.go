package cli

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func parseID(raw string) (uint64, error) {
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad id %q", raw)
	}
	return id, nil
}

type runJobCmd struct {
	resultsDir string
}

func (c *runJobCmd) registerFlags() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run_job class cmd",
		Short: "Queue one job on a machine class",
		Args:  cobra.ExactArgs(2),
	}
	cmd.Flags().StringVar(&c.resultsDir, "results-dir", "", "also copy result artifacts here")
	return cmd
}

func (c *runJobCmd) run(cl *simpleCLIClient, cmd *cobra.Command, args []string) error {
	jid, err := cl.client().AddJob(args[0], args[1], c.resultsDir)
	if err != nil {
		return err
	}
	fmt.Println("Queued job", jid)
	return nil
}

type lsJobsCmd struct {
	class string
	state string
}

func (c *lsJobsCmd) registerFlags() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ls_jobs",
		Short: "List jobs",
	}
	cmd.Flags().StringVar(&c.class, "class", "", "only jobs of this class")
	cmd.Flags().StringVar(&c.state, "state", "", "only jobs in this state (Waiting, Running, Done, Failed, Canceled)")
	return cmd
}

func (c *lsJobsCmd) run(cl *simpleCLIClient, cmd *cobra.Command, args []string) error {
	jobs, err := cl.client().ListJobs(c.class, c.state)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATE\tCLASS\tMACHINE\tMATRIX\tCMD")
	for _, job := range jobs {
		matrix := ""
		if job.MatrixID != 0 {
			matrix = fmt.Sprintf("%d", job.MatrixID)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n", job.JobID, job.State, job.Class, job.Machine, matrix, job.Cmd)
	}
	return w.Flush()
}

type jobStatusCmd struct{}

func (c *jobStatusCmd) registerFlags() *cobra.Command {
	return &cobra.Command{
		Use:   "job_status id",
		Short: "Show everything known about a job",
		Args:  cobra.ExactArgs(1),
	}
}

func (c *jobStatusCmd) run(cl *simpleCLIClient, cmd *cobra.Command, args []string) error {
	jid, err := parseID(args[0])
	if err != nil {
		return err
	}
	job, err := cl.client().JobStatus(jid)
	if err != nil {
		return err
	}
	fmt.Printf("job %d: %s\n", job.JobID, job.State)
	fmt.Println("class:", job.Class)
	fmt.Println("cmd:", job.Cmd)
	if job.Machine != "" {
		fmt.Println("machine:", job.Machine)
	}
	if job.Reason != "" {
		fmt.Println("waiting:", job.Reason)
	}
	if job.Failure != "" {
		fmt.Printf("failure: %s: %s\n", job.Failure, job.Error)
	}
	for _, a := range job.Artifacts {
		fmt.Println("artifact:", a)
	}
	return nil
}

type jobOutputCmd struct{}

func (c *jobOutputCmd) registerFlags() *cobra.Command {
	return &cobra.Command{
		Use:   "job_output id",
		Short: "Print the captured driver output of a job",
		Args:  cobra.ExactArgs(1),
	}
}

func (c *jobOutputCmd) run(cl *simpleCLIClient, cmd *cobra.Command, args []string) error {
	jid, err := parseID(args[0])
	if err != nil {
		return err
	}
	out, err := cl.client().JobOutput(jid)
	if err != nil {
		return err
	}
	fmt.Print(out)
	return nil
}

type cancelJobCmd struct{}

func (c *cancelJobCmd) registerFlags() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel_job id",
		Short: "Cancel a Waiting job",
		Args:  cobra.ExactArgs(1),
	}
}

func (c *cancelJobCmd) run(cl *simpleCLIClient, cmd *cobra.Command, args []string) error {
	jid, err := parseID(args[0])
	if err != nil {
		return err
	}
	if err := cl.client().CancelJob(jid); err != nil {
		return err
	}
	fmt.Println("Canceled job", jid)
	return nil
}

type cloneJobCmd struct{}

func (c *cloneJobCmd) registerFlags() *cobra.Command {
	return &cobra.Command{
		Use:   "clone_job id",
		Short: "Queue a fresh copy of a job (the way to retry)",
		Args:  cobra.ExactArgs(1),
	}
}

func (c *cloneJobCmd) run(cl *simpleCLIClient, cmd *cobra.Command, args []string) error {
	jid, err := parseID(args[0])
	if err != nil {
		return err
	}
	clone, err := cl.client().CloneJob(jid)
	if err != nil {
		return err
	}
	fmt.Println("Queued job", clone)
	return nil
}

type rmJobCmd struct{}

func (c *rmJobCmd) registerFlags() *cobra.Command {
	return &cobra.Command{
		Use:   "rm_job id",
		Short: "Delete a terminal job and its captured output",
		Args:  cobra.ExactArgs(1),
	}
}

func (c *rmJobCmd) run(cl *simpleCLIClient, cmd *cobra.Command, args []string) error {
	jid, err := parseID(args[0])
	if err != nil {
		return err
	}
	if err := cl.client().DeleteJob(jid); err != nil {
		return err
	}
	fmt.Println("Deleted job", jid)
	return nil
}
