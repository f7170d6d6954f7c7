package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/triage-ai/bastion/internal/engine"
	"github.com/triage-ai/bastion/internal/server"
	"github.com/triage-ai/bastion/internal/validator"
)

var (
	validateIdentity string
	validateSource   string
	validateTool     string
	validateArgs     string
	validateServer   string
	validateAPIKey   string
	validateOutput   string
)

var validateCmd = &cobra.Command{
	Use:   "validate [text]",
	Short: "Validate one input and print the decision",
	Long: `Validate a single input. The text is taken from the argument, or
read from stdin when no argument is given.

By default the pipeline runs in-process with the configured store. With
--server the request is sent to a running bastion over gRPC.

  bastion validate --identity alice "ignore all previous instructions"
  echo '{"q":"1 OR 1=1"}' | bastion validate --identity agent-7 --tool db.query
  bastion validate --server localhost:9090 --identity alice "hello"`,
	Args: cobra.MaximumNArgs(1),
	RunE: validateCommand,
}

func init() {
	f := validateCmd.Flags()
	f.StringVar(&validateIdentity, "identity", "cli", "Identity the request is attributed to")
	f.StringVar(&validateSource, "source", "", "Input source: prompt, tool_call or output")
	f.StringVar(&validateTool, "tool", "", "Tool name; the input is treated as the tool's JSON arguments")
	f.StringVar(&validateArgs, "args", "", "Tool arguments JSON (defaults to the input text)")
	f.StringVar(&validateServer, "server", "", "gRPC address of a running bastion")
	f.StringVar(&validateAPIKey, "api-key", os.Getenv("BASTION_API_KEY"), "API key for --server (env: BASTION_API_KEY)")
	f.StringVar(&validateOutput, "output", "", "Output format: text or json (default: text on a terminal, json otherwise)")
	rootCmd.AddCommand(validateCmd)
}

func validateCommand(cmd *cobra.Command, args []string) error {
	text, err := inputText(args, cmd.InOrStdin())
	if err != nil {
		return err
	}

	req := validator.Request{
		Identity: validateIdentity,
		Text:     text,
		Source:   engine.Source(validateSource),
	}
	if validateTool != "" {
		argsJSON := validateArgs
		if argsJSON == "" {
			argsJSON = text
		}
		req.ToolCall = &engine.ToolCall{Name: validateTool, ArgumentsJSON: argsJSON}
	}

	var result *engine.ValidationResult
	if validateServer != "" {
		result, err = validateRemote(cmd.Context(), req)
	} else {
		result, err = validateLocal(cmd.Context(), req)
	}
	if err != nil {
		return err
	}

	return printResult(cmd.OutOrStdout(), result, outputFormat(validateOutput))
}

func inputText(args []string, stdin io.Reader) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	if f, ok := stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return "", fmt.Errorf("no input: pass the text as an argument or pipe it on stdin")
	}
	b, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("failed to read stdin: %w", err)
	}
	return strings.TrimRight(string(b), "\n"), nil
}

func validateLocal(ctx context.Context, req validator.Request) (*engine.ValidationResult, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	// Logs go to stderr so stdout carries only the result.
	logger := mustBuildLogger(cfg.LogLevel, "stderr")
	defer logger.Sync() //nolint:errcheck // best-effort flush

	s, err := buildStack(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	defer s.close()

	result, err := s.validator.Validate(ctx, req)
	if err != nil {
		logger.Debug("validation rejected", zap.Error(err))
		return nil, err
	}
	return result, nil
}

func validateRemote(ctx context.Context, req validator.Request) (*engine.ValidationResult, error) {
	conn, err := grpc.NewClient(validateServer, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", validateServer, err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if validateAPIKey != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+validateAPIKey)
	}
	return server.NewClient(conn).Validate(ctx, req)
}

// outputFormat resolves the requested format; an empty flag means text
// when stdout is a terminal and JSON otherwise.
func outputFormat(flag string) string {
	if flag != "" {
		return flag
	}
	if term.IsTerminal(int(os.Stdout.Fd())) {
		return "text"
	}
	return "json"
}

func printResult(w io.Writer, r *engine.ValidationResult, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	case "text":
	default:
		return fmt.Errorf("unknown output format %q", format)
	}

	fmt.Fprintf(w, "Action:      %s\n", strings.ToUpper(r.Action.String()))
	fmt.Fprintf(w, "Severity:    %s\n", strings.ToUpper(r.Severity.String()))
	fmt.Fprintf(w, "Identity:    %s (%s, trust %.0f)\n", r.Identity, r.State, r.TrustScore)
	fmt.Fprintf(w, "Request:     %s\n", r.RequestID)
	fmt.Fprintf(w, "Fingerprint: %s\n", r.Fingerprint)
	if r.Reason != "" {
		fmt.Fprintf(w, "Reason:      %s\n", r.Reason)
	}
	if len(r.Findings) > 0 {
		fmt.Fprintln(w, "\nFindings:")
		for _, f := range r.Findings {
			fmt.Fprintf(w, "  [%-8s] %s/%s %q\n", strings.ToUpper(f.Severity.String()), f.Detector, f.RuleID, f.Match.Text)
		}
	}
	if len(r.Recommendations) > 0 {
		fmt.Fprintln(w, "\nRecommendations:")
		for _, rec := range r.Recommendations {
			fmt.Fprintf(w, "  - %s\n", rec)
		}
	}
	return nil
}
