package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/smilemakc/synth/internal/config"
	"github.com/smilemakc/synth/internal/engine"
	"github.com/smilemakc/synth/internal/infrastructure/logger"
	"github.com/smilemakc/synth/internal/orchestrator"
	"github.com/smilemakc/synth/internal/renderer"
)

// defaultFlow is executed when no flow name is given.
const defaultFlow = "default"

type runOptions struct {
	configPath string
	once       bool
	dry        bool
	mermaid    bool
	verbose    bool
	args       []string
	envs       []string
	envFile    string
	logLevel   string
}

func newRunCmd() *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run [FLOW]",
		Short: "Execute a flow",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flowName := defaultFlow
			if len(args) > 0 {
				flowName = args[0]
			}
			return runFlow(cmd, flowName, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "path to the config file (default: $SYNTHFILE, then walk up looking for synth.yaml)")
	flags.BoolVar(&opts.once, "once", false, "replace any trigger that could run a node more than once with a once trigger")
	flags.BoolVar(&opts.dry, "dry", false, "parse and validate the config, but do not run the flow")
	flags.BoolVar(&opts.mermaid, "mermaid", false, "output a Mermaid diagram of the flow and exit")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "render node lifecycle and debug messages")
	flags.StringArrayVar(&opts.args, "arg", nil, "template argument override, key=value or node.key=value (repeatable)")
	flags.StringArrayVar(&opts.envs, "env", nil, "environment variable override, KEY=value or node.KEY=value (repeatable)")
	flags.StringVar(&opts.envFile, "env-file", "", "dotenv file to load into the flow's environment")
	flags.StringVar(&opts.logLevel, "log-level", os.Getenv("SYNTH_LOG"), "engine log level (trace, debug, info, warn, error)")

	return cmd
}

func runFlow(cmd *cobra.Command, flowName string, opts *runOptions) error {
	start := time.Now()
	log := logger.Setup(opts.logLevel)

	flowEnvs, err := loadEnvFile(opts.envFile)
	if err != nil {
		fail("%v", err)
		return &exitError{code: 1}
	}

	path := opts.configPath
	if path == "" {
		path = os.Getenv("SYNTHFILE")
	}
	if path == "" {
		cwd, err := os.Getwd()
		if err != nil {
			fail("%v", err)
			return &exitError{code: 1}
		}
		path, err = config.Discover(cwd)
		if err != nil {
			fail("%v", err)
			return &exitError{code: 1}
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		var verr *config.ValidationError
		if errors.As(err, &verr) {
			for _, problem := range verr.Problems {
				fail("%s", problem)
			}
		} else {
			fail("%v", err)
		}
		return &exitError{code: 1}
	}

	flows, err := cfg.Resolve()
	if err != nil {
		fail("%v", err)
		return &exitError{code: 1}
	}

	flow, ok := flows[flowName]
	if !ok {
		fail("no flow named %q. Available flows:\n  %s",
			flowName, strings.Join(config.SortedFlowNames(flows), "\n  "))
		return &exitError{code: 1}
	}

	flow, err = config.ApplyOverrides(flow, opts.args, opts.envs)
	if err != nil {
		fail("%v", err)
		return &exitError{code: 1}
	}
	for k, v := range flowEnvs {
		flow.Envs[k] = v
	}

	if opts.once {
		flow = flow.Once()
	}

	if opts.mermaid {
		fmt.Fprintln(cmd.OutOrStdout(), config.Mermaid(flow))
		return nil
	}

	flow, err = config.RenderFlow(flow)
	if err != nil {
		fail("%v", err)
		return &exitError{code: 1}
	}

	state, err := engine.NewFlowState(flow)
	if err != nil {
		var cyclic *engine.CyclicFlowError
		if errors.As(err, &cyclic) {
			fail("cyclic flow detected: %s. Cyclic flows are not allowed.", cyclic.Path())
		} else {
			fail("%v", err)
		}
		return &exitError{code: 1}
	}

	if opts.dry {
		fmt.Fprintf(cmd.OutOrStdout(), "Configuration valid: flow %q with %d node(s).\n", flowName, len(flow.Nodes))
		return nil
	}

	render := renderer.NewConsole(state, renderer.ConsoleConfig{Verbose: opts.verbose})
	orch := orchestrator.New(state, render, log, orchestrator.Config{})

	code, runErr := orch.Run(cmd.Context())

	fmt.Fprintf(cmd.OutOrStdout(), "Finished in %.3f seconds. Final state:\n", time.Since(start).Seconds())
	fmt.Fprintln(cmd.OutOrStdout(), render.StateSummary())

	if runErr != nil {
		fail("%v", runErr)
		return &exitError{code: 1}
	}
	if code != 0 {
		return &exitError{code: code}
	}
	return nil
}

// loadEnvFile reads a dotenv file into a map merged into the flow's envs.
func loadEnvFile(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	envs, err := godotenv.Read(path)
	if err != nil {
		return nil, fmt.Errorf("loading env file %q: %w", path, err)
	}
	return envs, nil
}
