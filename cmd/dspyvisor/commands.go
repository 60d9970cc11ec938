package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loykin/dspyvisor"
	"github.com/loykin/dspyvisor/pkg/api"
)

func createStatusCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show worker state, health and queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient(flags)
			if err != nil {
				return err
			}
			st, err := c.Status(cmd.Context())
			if err != nil {
				return err
			}
			printJSON(cmd.OutOrStdout(), st)
			return nil
		},
	}
}

func lifecycleCommand(flags *GlobalFlags, use, short string, op func(*cobra.Command, *GlobalFlags) (api.Status, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := op(cmd, flags)
			if err != nil {
				return err
			}
			printJSON(cmd.OutOrStdout(), st)
			return nil
		},
	}
}

func createStartCommand(flags *GlobalFlags) *cobra.Command {
	return lifecycleCommand(flags, "start", "Start the worker on a running daemon",
		func(cmd *cobra.Command, f *GlobalFlags) (api.Status, error) {
			c, err := apiClient(f)
			if err != nil {
				return api.Status{}, err
			}
			return c.Start(cmd.Context())
		})
}

func createStopCommand(flags *GlobalFlags) *cobra.Command {
	return lifecycleCommand(flags, "stop", "Stop the worker; pending requests are rejected",
		func(cmd *cobra.Command, f *GlobalFlags) (api.Status, error) {
			c, err := apiClient(f)
			if err != nil {
				return api.Status{}, err
			}
			return c.Stop(cmd.Context())
		})
}

func createRestartCommand(flags *GlobalFlags) *cobra.Command {
	return lifecycleCommand(flags, "restart", "Stop and start the worker",
		func(cmd *cobra.Command, f *GlobalFlags) (api.Status, error) {
			c, err := apiClient(f)
			if err != nil {
				return api.Status{}, err
			}
			return c.Restart(cmd.Context())
		})
}

func createHealthCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Query the worker's /health endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient(flags)
			if err != nil {
				return err
			}
			h, err := c.Health(cmd.Context())
			if err != nil {
				return err
			}
			printJSON(cmd.OutOrStdout(), h)
			return nil
		},
	}
}

// ConfigureFlags holds flags for the configure command
type ConfigureFlags struct {
	Provider string
	Model    string
	APIKey   string
}

func createConfigureCommand(flags *GlobalFlags) *cobra.Command {
	cf := &ConfigureFlags{}
	cmd := &cobra.Command{
		Use:   "configure",
		Short: "Select the LM provider and model inside the worker",
		Long: `Select the LM provider and model. A "vendor/model" value resolves the
provider automatically (openrouter uses the OpenAI-compatible provider).

Examples:
  dspyvisor configure --model=anthropic/claude-3-haiku --api-key=...
  dspyvisor configure --provider=openai --model=gpt-4o-mini`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req := configureRequest(*cf)
			c, err := apiClient(flags)
			if err != nil {
				return err
			}
			out, err := c.Configure(cmd.Context(), req)
			if err != nil {
				return err
			}
			printJSON(cmd.OutOrStdout(), out)
			return nil
		},
	}
	cmd.Flags().StringVar(&cf.Provider, "provider", "", "provider name (derived from --model when empty)")
	cmd.Flags().StringVar(&cf.Model, "model", "", "model id, optionally vendor/model")
	cmd.Flags().StringVar(&cf.APIKey, "api-key", os.Getenv("DSPY_API_KEY"), "provider API key (default $DSPY_API_KEY)")
	_ = cmd.MarkFlagRequired("model")
	return cmd
}

func configureRequest(cf ConfigureFlags) api.ConfigureRequest {
	req := api.ConfigureRequest{Provider: cf.Provider, Model: cf.Model, APIKey: cf.APIKey}
	if req.Provider == "" {
		req.Provider, req.Model = dspyvisor.ResolveProvider(cf.Model)
	}
	return req
}

// GenerateFlags holds flags for the generate command
type GenerateFlags struct {
	Context  string
	Pipeline string
	Profile  string
}

func createGenerateCommand(flags *GlobalFlags) *cobra.Command {
	gf := &GenerateFlags{}
	cmd := &cobra.Command{
		Use:   "generate QUERY",
		Short: "Run a pipeline over a query",
		Long: `Run a pipeline over a query. --profile picks the pipeline the way the
assistant profiles do (interview→cot, analysis→qa, advanced_*_teacher→teacher module).`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")
			c, err := apiClient(flags)
			if err != nil {
				return err
			}
			pipeline, teacher := gf.Pipeline, ""
			if gf.Profile != "" {
				pipeline, teacher = dspyvisor.PipelineForProfile(gf.Profile)
			}
			var out api.GenerateResponse
			if teacher != "" {
				out, err = c.AdvancedTeacher(cmd.Context(), api.AdvancedTeacherRequest{Query: query, Context: gf.Context, TeacherType: teacher})
			} else {
				out, err = c.Generate(cmd.Context(), api.GenerateRequest{Query: query, Context: gf.Context, PipelineType: pipeline})
			}
			if err != nil {
				return err
			}
			printJSON(cmd.OutOrStdout(), out)
			return nil
		},
	}
	cmd.Flags().StringVar(&gf.Context, "context", "", "extra context passed with the query")
	cmd.Flags().StringVar(&gf.Pipeline, "pipeline", api.DefaultPipeline, "pipeline type (basic, cot, qa, ...)")
	cmd.Flags().StringVar(&gf.Profile, "profile", "", "assistant profile; overrides --pipeline")
	return cmd
}

func createTeacherCommand(flags *GlobalFlags) *cobra.Command {
	var teacher, qctx string
	cmd := &cobra.Command{
		Use:   "teacher QUERY",
		Short: "Ask an advanced subject teacher module",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient(flags)
			if err != nil {
				return err
			}
			out, err := c.AdvancedTeacher(cmd.Context(), api.AdvancedTeacherRequest{
				Query: strings.Join(args, " "), Context: qctx, TeacherType: teacher,
			})
			if err != nil {
				return err
			}
			printJSON(cmd.OutOrStdout(), out)
			return nil
		},
	}
	cmd.Flags().StringVar(&teacher, "type", "math", "teacher type: math, physics or chemistry")
	cmd.Flags().StringVar(&qctx, "context", "", "extra context passed with the query")
	return cmd
}

// OptimizeFlags holds flags for the optimize command
type OptimizeFlags struct {
	File     string
	History  bool
	Pipeline string
}

func createOptimizeCommand(flags *GlobalFlags) *cobra.Command {
	of := &OptimizeFlags{}
	cmd := &cobra.Command{
		Use:   "optimize --file=examples.json",
		Short: "Compile a pipeline against examples",
		Long: `Compile a pipeline against examples read from a JSON file: either
[{"input":..,"output":..}] or, with --history, a chat transcript
[{"sender":"user"|"assistant","text":..}] paired into examples.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			examples, err := readExamples(of.File, of.History)
			if err != nil {
				return err
			}
			c, err := apiClient(flags)
			if err != nil {
				return err
			}
			out, err := c.Optimize(cmd.Context(), api.OptimizeRequest{Examples: examples, PipelineType: of.Pipeline})
			if err != nil {
				return err
			}
			printJSON(cmd.OutOrStdout(), out)
			return nil
		},
	}
	cmd.Flags().StringVar(&of.File, "file", "", "JSON file with examples or chat history")
	cmd.Flags().BoolVar(&of.History, "history", false, "treat --file as a chat transcript")
	cmd.Flags().StringVar(&of.Pipeline, "pipeline", api.DefaultPipeline, "pipeline type to optimize")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func readExamples(path string, history bool) ([]api.Example, error) {
	// #nosec G304 -- path is supplied by the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if !history {
		var ex []api.Example
		if err := json.Unmarshal(data, &ex); err != nil {
			return nil, fmt.Errorf("parse examples %s: %w", path, err)
		}
		return ex, nil
	}
	var msgs []api.Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, fmt.Errorf("parse chat history %s: %w", path, err)
	}
	ex := dspyvisor.ExamplesFromHistory(msgs)
	if len(ex) == 0 {
		return nil, dspyvisor.ErrNoExamples
	}
	return ex, nil
}

func createModelsCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List models the worker can drive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient(flags)
			if err != nil {
				return err
			}
			models, err := c.Models(cmd.Context())
			if err != nil {
				return err
			}
			for _, m := range models {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), m)
			}
			return nil
		},
	}
}

func createPipelineCommand(flags *GlobalFlags) *cobra.Command {
	var id, typ, signature string
	cmd := &cobra.Command{
		Use:   "pipeline",
		Short: "Create a custom pipeline from a signature",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if signature != "" && !json.Valid([]byte(signature)) {
				return errors.New("--signature must be valid JSON")
			}
			c, err := apiClient(flags)
			if err != nil {
				return err
			}
			req := api.PipelineRequest{PipelineID: id, Type: typ}
			if signature != "" {
				req.Signature = json.RawMessage(signature)
			}
			out, err := c.CreatePipeline(cmd.Context(), req)
			if err != nil {
				return err
			}
			printJSON(cmd.OutOrStdout(), out)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "pipeline id (default custom_<unix millis>)")
	cmd.Flags().StringVar(&typ, "type", "predict", "pipeline type")
	cmd.Flags().StringVar(&signature, "signature", "", "signature as JSON")
	return cmd
}

func createRequestCommand(flags *GlobalFlags) *cobra.Command {
	var payload string
	cmd := &cobra.Command{
		Use:   "request METHOD ENDPOINT",
		Short: "Send a raw request to the worker through the daemon",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if payload != "" && !json.Valid([]byte(payload)) {
				return errors.New("--payload must be valid JSON")
			}
			c, err := apiClient(flags)
			if err != nil {
				return err
			}
			body := api.RequestBody{Method: strings.ToUpper(args[0]), Endpoint: args[1]}
			if payload != "" {
				body.Payload = json.RawMessage(payload)
			}
			out, err := c.Request(cmd.Context(), body)
			if err != nil {
				return err
			}
			printJSON(cmd.OutOrStdout(), out)
			return nil
		},
	}
	cmd.Flags().StringVar(&payload, "payload", "", "JSON request body")
	return cmd
}
