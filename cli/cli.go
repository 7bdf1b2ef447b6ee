// Package cli implements benchctl, the command-line client to a benchd
// server. Each subcommand maps to one api call.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/benchd/benchd/api"
)

const defaultServerAddr = "localhost:9010"

// CLIClient is the benchctl entry point.
type CLIClient interface {
	Exec() error
}

type simpleCLIClient struct {
	rootCmd *cobra.Command

	addr      string
	apiClient *api.Client
}

func (c *simpleCLIClient) Exec() error {
	return c.rootCmd.Execute()
}

func NewSimpleCLIClient() (CLIClient, error) {
	c := &simpleCLIClient{}
	// c.addr is populated by flag

	c.rootCmd = &cobra.Command{
		Use:   "benchctl",
		Short: "benchctl is a command-line client to a benchd scheduling server",
		Run:   func(*cobra.Command, []string) {},
	}

	c.addCmd(&addMachineCmd{})
	c.addCmd(&lsMachinesCmd{})
	c.addCmd(&rmMachineCmd{})
	c.addCmd(&setupMachineCmd{})
	c.addCmd(&setupStatusCmd{})
	c.addCmd(&setupOutputCmd{})
	c.addCmd(&setVarCmd{})
	c.addCmd(&lsVarsCmd{})
	c.addCmd(&runJobCmd{})
	c.addCmd(&runMatrixCmd{})
	c.addCmd(&lsJobsCmd{})
	c.addCmd(&jobStatusCmd{})
	c.addCmd(&jobOutputCmd{})
	c.addCmd(&cancelJobCmd{})
	c.addCmd(&cloneJobCmd{})
	c.addCmd(&rmJobCmd{})
	c.addCmd(&matrixStatusCmd{})

	return c, nil
}

func (c *simpleCLIClient) client() *api.Client {
	if c.apiClient == nil {
		if c.addr == "" {
			c.addr = defaultServerAddr
		}
		c.apiClient = api.NewClient(c.addr)
	}
	return c.apiClient
}

func (c *simpleCLIClient) addCmd(cmd command) {
	cobraCmd := cmd.registerFlags()
	cobraCmd.Flags().StringVar(&c.addr, "addr", "", "benchd server address")
	cobraCmd.RunE = func(innerCmd *cobra.Command, args []string) error {
		return cmd.run(c, innerCmd, args)
	}
	c.rootCmd.AddCommand(cobraCmd)
}

type command interface {
	registerFlags() *cobra.Command
	run(cl *simpleCLIClient, cmd *cobra.Command, args []string) error
}
