package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	APIUrl     string
	APITimeout time.Duration
}

func buildRoot() *cobra.Command {
	flags := &GlobalFlags{}
	root := &cobra.Command{
		Use:   "dspyvisor",
		Short: "Supervisor for a local DSPy optimization worker",
		Long: `dspyvisor spawns the DSPy worker service, keeps it alive, and brokers
requests to it over loopback HTTP.

Examples:
  dspyvisor serve --config=dspyvisor.toml   # run the daemon
  dspyvisor status                           # query a running daemon
  dspyvisor configure --model=openai/gpt-4o-mini --api-key=$OPENAI_API_KEY
  dspyvisor generate --profile=interview "Tell me about yourself"`,
		SilenceUsage: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	pf.StringVar(&flags.APIUrl, "api-url", "", "control API base URL (default from config server.listen)")
	pf.DurationVar(&flags.APITimeout, "api-timeout", 60*time.Second, "control API request timeout")

	root.AddCommand(
		createServeCommand(flags),
		createStatusCommand(flags),
		createStartCommand(flags),
		createStopCommand(flags),
		createRestartCommand(flags),
		createHealthCommand(flags),
		createConfigureCommand(flags),
		createGenerateCommand(flags),
		createTeacherCommand(flags),
		createOptimizeCommand(flags),
		createModelsCommand(flags),
		createPipelineCommand(flags),
		createRequestCommand(flags),
		createCheckDepsCommand(flags),
	)
	return root
}
