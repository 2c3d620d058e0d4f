// Package main provides the convsync CLI application entry point.
// convsync keeps a local transcript in sync with a remote assistant conversation
// and runs client-side tools on the assistant's behalf.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"convsync/internal/config"
	"convsync/internal/logger"
	"convsync/internal/syncengine"
	"convsync/internal/version"
	"convsync/pkg/convtypes"

	"github.com/spf13/cobra"
)

var (
	configFile string
	themeName  string
	sendFiles  []string
	cfg        *config.Config
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "convsync",
	Short: "convsync - conversation sync client",
	Long: `convsync sends messages to a remote assistant, polls the conversation until the
assistant is done and executes client-side tool calls locally.`,
	SilenceUsage: true,
	RunE:         runChat, // Default behavior is the interactive chat
}

// chatCmd is the explicit version of the default behavior
var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive chat session",
	RunE:  runChat,
}

var sendCmd = &cobra.Command{
	Use:   "send <text>",
	Short: "Send one message and print the transcript once the assistant is done",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSend,
}

var loadCmd = &cobra.Command{
	Use:   "load <conversation-id>",
	Short: "Print the stored transcript of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE:  runLoad,
}

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "Print the enabled client tools as JSON schemas",
	RunE:  runTools,
}

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Println(version.GetFormattedVersion())
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "Config file (default is $XDG_CONFIG_HOME/convsync/config.yaml)")
	flags.String("log-level", "", "Set log level (debug|info|warn|error) [default: info]")
	flags.String("log-file", "", "Write logs to file instead of stderr")
	flags.String("base-url", "", "Base URL of the conversation API")
	flags.String("api-key", "", "API key for the conversation API")
	flags.String("tenant", "", "Tenant id sent with every message")
	flags.String("template", "", "Template id sent with every message")
	flags.String("metrics-addr", "", "Expose Prometheus metrics on this address (e.g. :9090)")
	flags.StringVar(&themeName, "theme", "", "Transcript theme (default|plain) [default: detected from the terminal]")

	sendCmd.Flags().StringSliceVar(&sendFiles, "file", nil, "Attach a file (repeatable)")

	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(loadCmd)
	rootCmd.AddCommand(toolsCmd)
	rootCmd.AddCommand(versionCmd)

	// Configure logger and load configuration before any command execution
	cobra.OnInitialize(initConfig)
}

func initConfig() {
	loaded, err := config.Load(config.LoadOptions{
		ConfigFile: configFile,
		EnvFiles:   config.DefaultEnvFiles(),
		Flags:      rootCmd.PersistentFlags(), // bound to viper through config.FlagBindings
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}
	cfg = loaded

	// Configure logger with the merged flag, env and file settings
	if err := logger.Configure(cfg.LogLevel, cfg.LogFile, false); err != nil {
		fmt.Fprintf(os.Stderr, "Error configuring logger: %v\n", err)
		os.Exit(1)
	}
	logger.Debug("Configuration loaded", "config", cfg.Redacted())
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runChat(_ *cobra.Command, _ []string) error {
	logger.Info("Starting convsync", "version", version.GetVersion())

	a, err := newApp(cfg, themeName)
	if err != nil {
		return err
	}
	defer a.close()

	newREPL(a).run()
	return nil
}

func runSend(_ *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(cfg, themeName)
	if err != nil {
		return err
	}
	defer a.close()

	files := make([]convtypes.FileAttachment, 0, len(sendFiles))
	for _, path := range sendFiles {
		f, err := convtypes.FileFromPath(path)
		if err != nil {
			return err
		}
		files = append(files, f)
	}

	state, err := a.sendAndWait(ctx, joinArgs(args), syncengine.SendOptions{Files: files})
	fmt.Print(a.renderer.Transcript(state.Messages))
	fmt.Println(a.renderer.Status(state))
	return err
}

func runLoad(_ *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(cfg, themeName)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.engine.LoadChat(ctx, args[0]); err != nil {
		return err
	}
	fmt.Print(a.renderer.Transcript(a.engine.State().Messages))
	return nil
}

func runTools(_ *cobra.Command, _ []string) error {
	executor, err := newExecutor(cfg, nil)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(executor.ToolSchemas(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode tool schemas: %w", err)
	}
	fmt.Println(string(out))
	return nil
}
