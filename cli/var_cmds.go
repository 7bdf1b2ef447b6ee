package cli

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

type setVarCmd struct{}

func (c *setVarCmd) registerFlags() *cobra.Command {
	return &cobra.Command{
		Use:   "set_var name value",
		Short: "Set a server variable for {name} substitution in commands",
		Args:  cobra.ExactArgs(2),
	}
}

func (c *setVarCmd) run(cl *simpleCLIClient, cmd *cobra.Command, args []string) error {
	if err := cl.client().SetVar(args[0], args[1]); err != nil {
		return err
	}
	fmt.Printf("Set %s=%q\n", args[0], args[1])
	return nil
}

type lsVarsCmd struct{}

func (c *lsVarsCmd) registerFlags() *cobra.Command {
	return &cobra.Command{
		Use:   "ls_vars",
		Short: "List server variables",
	}
}

func (c *lsVarsCmd) run(cl *simpleCLIClient, cmd *cobra.Command, args []string) error {
	vars, err := cl.client().Vars()
	if err != nil {
		return err
	}
	names := make([]string, 0, len(vars))
	for name := range vars {
		names = append(names, name)
	}
	sort.Strings(names)

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tVALUE")
	for _, name := range names {
		fmt.Fprintf(w, "%s\t%s\n", name, vars[name])
	}
	return w.Flush()
}
