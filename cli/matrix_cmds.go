package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/benchd/benchd/bench"
)

type runMatrixCmd struct {
	params     []string
	resultsDir string
}

func (c *runMatrixCmd) registerFlags() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run_matrix class cmd",
		Short: "Queue one job per combination of the swept parameters",
		Long: `Queue the Cartesian product of the given parameters as jobs.
Each --param is name=v1,v2,...; the command references parameters as {name}.
Parameter order is significant: the first parameter varies slowest.`,
		Args: cobra.ExactArgs(2),
	}
	cmd.Flags().StringArrayVar(&c.params, "param", nil, "swept parameter as name=v1,v2,..., repeatable")
	cmd.Flags().StringVar(&c.resultsDir, "results-dir", "", "also copy result artifacts here")
	return cmd
}

func (c *runMatrixCmd) run(cl *simpleCLIClient, cmd *cobra.Command, args []string) error {
	params := make([]bench.Param, 0, len(c.params))
	for _, raw := range c.params {
		parts := strings.SplitN(raw, "=", 2)
		if len(parts) != 2 || parts[0] == "" {
			return fmt.Errorf("bad --param %q, want name=v1,v2,...", raw)
		}
		params = append(params, bench.Param{Name: parts[0], Values: strings.Split(parts[1], ",")})
	}

	resp, err := cl.client().AddMatrix(args[0], args[1], params, c.resultsDir)
	if err != nil {
		return err
	}
	fmt.Printf("Queued matrix %d with %d jobs: %v\n", resp.MatrixID, len(resp.JobIDs), resp.JobIDs)
	return nil
}

type matrixStatusCmd struct{}

func (c *matrixStatusCmd) registerFlags() *cobra.Command {
	return &cobra.Command{
		Use:   "matrix_status id",
		Short: "Show a sweep's jobs and their states",
		Args:  cobra.ExactArgs(1),
	}
}

func (c *matrixStatusCmd) run(cl *simpleCLIClient, cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	m, err := cl.client().MatrixStatus(id)
	if err != nil {
		return err
	}
	fmt.Printf("matrix %d: class %s, cmd %q\n", m.MatrixID, m.Class, m.Cmd)
	for _, p := range m.Params {
		fmt.Printf("param %s: %v\n", p.Name, p.Values)
	}
	fmt.Println("jobs:", m.JobIDs)
	for state, n := range m.Counts {
		fmt.Printf("  %s: %d\n", state, n)
	}
	return nil
}
