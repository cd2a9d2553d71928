package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Print the capture state of a fresh session",
	RunE:  runState,
}

func init() {
	rootCmd.AddCommand(stateCmd)
}

func runState(cmd *cobra.Command, args []string) error {
	orch, _, err := setup()
	if err != nil {
		return err
	}
	defer orch.Close()

	fmt.Println(orch.State())
	if lastErr := orch.LastError(); lastErr != nil {
		fmt.Printf("last error: %s\n", lastErr)
	}
	return nil
}
