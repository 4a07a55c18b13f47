package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// exitError carries a process exit code out of a cobra command.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit code %d", e.code)
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	root := NewRootCmd()
	if err := root.Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			return ee.code
		}
		fail("%v", err)
		return 1
	}
	return 0
}

// NewRootCmd builds the synth command tree. The bare command behaves like
// `synth run`.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "synth [FLOW]",
		Short:         "Run flows of interdependent shell commands",
		Long:          "Synthesize runs a declaratively-specified flow of interdependent shell commands,\nwatching each one's triggers and interleaving their output on a shared terminal.",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	run := newRunCmd()
	root.AddCommand(run)

	// The bare invocation is a run.
	root.Flags().AddFlagSet(run.Flags())
	root.RunE = run.RunE

	return root
}

func fail(format string, args ...any) {
	color.New(color.FgRed).Fprintf(os.Stderr, "Error: "+format+"\n", args...)
}
