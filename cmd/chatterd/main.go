package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"chatterd/internal/config"
	"chatterd/internal/logging"
	"chatterd/internal/personality"
)

const version = "0.4.1"

var (
	// Global flags
	cfgPath string
	verbose bool

	// Loaded in PersistentPreRunE, shared by all commands
	cfg    *config.Config
	logger *zap.Logger
)

// rootCmd runs the daemon when invoked without a subcommand.
var rootCmd = &cobra.Command{
	Use:   "chatterd",
	Short: "chatterd - automated chat agent daemon",
	Long: `chatterd answers chat messages on your behalf.

It connects to a websocket chat bridge, keeps a rolling memory of every
conversation, handles administrative commands like /stop and /help, paces
its own replies, and generates responses with a configurable personality.

Run without arguments to start the daemon.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return err
		}

		if verbose {
			logger = logging.Development()
			return nil
		}
		logger, err = logging.New(cfg.Logging.Level, cfg.Logging.Format)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: runDaemon,
}

// initCmd writes a starter configuration file
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	Long: `Writes the built-in default configuration to the path given by --config
(chatterd.yaml by default) so you can edit it. Refuses to overwrite an
existing file.`,
	RunE: runInit,
}

// personalitiesCmd lists the available response profiles
var personalitiesCmd = &cobra.Command{
	Use:   "personalities",
	Short: "List response personalities",
	Long: `Lists the personality profiles found in the configured directory,
marking the active one. The built-in default profile is always present.`,
	RunE: listPersonalities,
}

// versionCmd prints the build version
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the chatterd version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("chatterd %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "chatterd.yaml", "Path to the configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(personalitiesCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runInit writes the default configuration for the operator to edit.
func runInit(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(cfgPath); err == nil {
		return fmt.Errorf("%s already exists, refusing to overwrite", cfgPath)
	}

	if err := config.Default().Save(cfgPath); err != nil {
		return err
	}
	fmt.Printf("Wrote %s\n", cfgPath)
	fmt.Println("Set llm.api_key (or the GEMINI_API_KEY environment variable) before starting the daemon.")
	return nil
}

// listPersonalities prints the loaded profiles, marking the active one.
func listPersonalities(cmd *cobra.Command, args []string) error {
	personas, err := personality.NewRegistry(cfg.Persona.Dir, logger)
	if err != nil {
		return err
	}

	for _, name := range personas.Names() {
		marker := " "
		if name == cfg.Persona.Active {
			marker = "*"
		}
		prof, _ := personas.Get(name)
		fmt.Printf("%s %s - %s\n", marker, name, prof.Description)
	}
	return nil
}
