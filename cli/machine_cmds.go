package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

type addMachineCmd struct{}

func (c *addMachineCmd) registerFlags() *cobra.Command {
	return &cobra.Command{
		Use:   "add_machine addr class...",
		Short: "Register a machine into one or more classes",
		Args:  cobra.MinimumNArgs(2),
	}
}

func (c *addMachineCmd) run(cl *simpleCLIClient, cmd *cobra.Command, args []string) error {
	if err := cl.client().AddMachine(args[0], args[1:]); err != nil {
		return err
	}
	fmt.Println("Added machine", args[0])
	return nil
}

type lsMachinesCmd struct{}

func (c *lsMachinesCmd) registerFlags() *cobra.Command {
	return &cobra.Command{
		Use:   "ls_machines",
		Short: "List machines with class memberships and state",
	}
}

func (c *lsMachinesCmd) run(cl *simpleCLIClient, cmd *cobra.Command, args []string) error {
	machines, err := cl.client().ListMachines()
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "ADDR\tSTATE\tCLASSES\tJOB\tERROR")
	for _, m := range machines {
		job := ""
		if m.JobID != 0 {
			job = fmt.Sprintf("%d", m.JobID)
		}
		fmt.Fprintf(w, "%s\t%s\t%v\t%s\t%s\n", m.Addr, m.State, m.Classes, job, m.Error)
	}
	return w.Flush()
}

type rmMachineCmd struct {
	force bool
}

func (c *rmMachineCmd) registerFlags() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rm_machine addr",
		Short: "Remove a machine from the pool",
		Args:  cobra.ExactArgs(1),
	}
	cmd.Flags().BoolVar(&c.force, "force", false, "remove even if a job is running on it")
	return cmd
}

func (c *rmMachineCmd) run(cl *simpleCLIClient, cmd *cobra.Command, args []string) error {
	if err := cl.client().RemoveMachine(args[0], c.force); err != nil {
		return err
	}
	fmt.Println("Removed machine", args[0])
	return nil
}

type setupMachineCmd struct {
	classes []string
	cmds    []string
}

func (c *setupMachineCmd) registerFlags() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "setup_machine addr",
		Short: "Run a setup pipeline on a machine, then register it",
		Args:  cobra.ExactArgs(1),
	}
	cmd.Flags().StringArrayVar(&c.cmds, "cmd", nil, "setup command, repeat for ordered steps")
	cmd.Flags().StringArrayVar(&c.classes, "class", nil, "class to join on success, repeatable")
	return cmd
}

func (c *setupMachineCmd) run(cl *simpleCLIClient, cmd *cobra.Command, args []string) error {
	sid, err := cl.client().SetupMachine(args[0], c.classes, c.cmds)
	if err != nil {
		return err
	}
	fmt.Println("Queued setup", sid)
	return nil
}

type setupStatusCmd struct{}

func (c *setupStatusCmd) registerFlags() *cobra.Command {
	return &cobra.Command{
		Use:   "setup_status id",
		Short: "Show the state of a setup pipeline",
		Args:  cobra.ExactArgs(1),
	}
}

func (c *setupStatusCmd) run(cl *simpleCLIClient, cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	task, err := cl.client().SetupStatus(id)
	if err != nil {
		return err
	}
	fmt.Printf("setup %d on %s: %s, step %d/%d\n", task.SetupID, task.Machine, task.State, task.Step, task.NumSteps)
	if len(task.Classes) > 0 {
		fmt.Println("classes:", task.Classes)
	}
	if task.Error != "" {
		fmt.Println("error:", task.Error)
	}
	return nil
}

type setupOutputCmd struct {
	step int
}

func (c *setupOutputCmd) registerFlags() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "setup_output id",
		Short: "Print the captured output of one setup step",
		Args:  cobra.ExactArgs(1),
	}
	cmd.Flags().IntVar(&c.step, "step", 0, "step index")
	return cmd
}

func (c *setupOutputCmd) run(cl *simpleCLIClient, cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	out, err := cl.client().SetupOutput(id, c.step)
	if err != nil {
		return err
	}
	fmt.Print(out)
	return nil
}
