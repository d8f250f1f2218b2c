package observability

import (
	"fmt"
	"os"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"
)

var (
	// CLILogger is used for CLI commands (SIMPLE profile)
	CLILogger *logging.Logger

	// ServerLogger is used by the bot process started with serve
	ServerLogger *logging.Logger
)

// ServerOptions shape the server logger.
type ServerOptions struct {
	// Level is one of trace, debug, info, warn, error.
	Level string
	// Profile is simple (console text) or structured (JSON). Structured is
	// the default.
	Profile string
	// Namespace is attached to every entry when set.
	Namespace string
}

// InitCLILogger initializes the CLI logger with SIMPLE profile
func InitCLILogger(serviceName string, verbose bool) {
	logger, err := logging.NewCLI(serviceName)
	if err != nil {
		exitWithCodeStderr(foundry.ExitConfigInvalid, "Failed to initialize CLI logger", err)
	}
	if verbose {
		logger.SetLevel(logging.DEBUG)
	}
	CLILogger = logger
}

// InitServerLogger initializes the logger shared by the gateway, dispatch and
// tracking components. The bot token and webhook secrets are redacted from
// every entry.
func InitServerLogger(serviceName string, opts ServerOptions) {
	logger, err := logging.New(serverLoggerConfig(serviceName, opts))
	if err != nil {
		exitWithCodeStderr(foundry.ExitConfigInvalid, "Failed to initialize server logger", err)
	}
	ServerLogger = logger
}

func serverLoggerConfig(serviceName string, opts ServerOptions) *logging.LoggerConfig {
	staticFields := make(map[string]any)
	if opts.Namespace != "" {
		staticFields["namespace"] = opts.Namespace
	}

	profile, format := logging.ProfileStructured, "json"
	if strings.EqualFold(opts.Profile, "simple") {
		profile, format = logging.ProfileSimple, "console"
	}

	return &logging.LoggerConfig{
		Profile:      profile,
		DefaultLevel: parseLogLevel(opts.Level),
		Service:      serviceName,
		Environment:  "production",
		StaticFields: staticFields,
		Middleware: []logging.MiddlewareConfig{
			logging.WithRedaction(nil, redactedFields),
			logging.WithCorrelation(),
		},
		Sinks: []logging.SinkConfig{
			{
				Type:   "console",
				Format: format,
				Console: &logging.ConsoleSinkConfig{
					Stream:   "stderr",
					Colorize: false,
				},
			},
		},
		EnableCaller:     true,
		EnableStacktrace: profile == logging.ProfileStructured,
	}
}

// redactedFields extends the gofulmen defaults with the credentials beacon
// handles.
var redactedFields = append(append([]string(nil), logging.DefaultRedactionFields...),
	"bot_token", "gateway_token", "resume_gateway_url")

// Component tags logger with a component name so entries from the gateway,
// dispatcher and tracking engine can be told apart.
func Component(logger Logger, name string) Logger {
	switch l := logger.(type) {
	case *logging.Logger:
		return l.WithComponent(name)
	case *zap.Logger:
		return l.With(zap.String("component", name))
	case nil:
		return zap.NewNop()
	}
	return logger
}

// parseLogLevel converts string log level to logging severity string
func parseLogLevel(levelStr string) string {
	switch strings.ToLower(strings.TrimSpace(levelStr)) {
	case "trace":
		return "TRACE"
	case "debug":
		return "DEBUG"
	case "info":
		return "INFO"
	case "warn", "warning":
		return "WARN"
	case "error":
		return "ERROR"
	default:
		return "INFO"
	}
}

// exitWithCodeStderr exits with a semantic exit code before any logger exists.
func exitWithCodeStderr(exitCode foundry.ExitCode, msg string, err error) {
	info, ok := foundry.GetExitCodeInfo(exitCode)
	if !ok {
		fmt.Fprintf(os.Stderr, "FATAL: %s: %v (exit code: %d)\n", msg, err, exitCode)
		os.Exit(int(exitCode))
	}
	fmt.Fprintf(os.Stderr, "FATAL: %s: %v\n", msg, err)
	fmt.Fprintf(os.Stderr, "Exit Code: %d (%s) - %s\n", info.Code, info.Name, info.Description)
	os.Exit(info.Code)
}
