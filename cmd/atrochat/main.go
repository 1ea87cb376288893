// Package main provides the atrochat CLI entry point: a Gemini chat client
// with persistent sessions and injectable GitHub project context.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kerimsiter/atrochat/internal/config"
	"github.com/kerimsiter/atrochat/internal/llm"
	"github.com/kerimsiter/atrochat/internal/logger"
	"github.com/kerimsiter/atrochat/internal/repo"
	"github.com/kerimsiter/atrochat/internal/storage"
	"github.com/kerimsiter/atrochat/internal/store"
)

var (
	logLevel  string
	logFile   string
	dbPath    string
	noPersist bool
	version   = "0.1.0" // set at build time via -ldflags
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "atrochat",
	Short: "Atrochat - Gemini chat with project context",
	Long: `Atrochat is a terminal chat client for Google Gemini with persistent
sessions and injectable project context: attach a GitHub repository once and
keep it in sync with incremental updates instead of resending everything.`,
	Run: func(cmd *cobra.Command, _ []string) {
		_ = cmd.Help()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("atrochat v%s\n", version)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Set log level (debug|info|warn|error) [default: warn]")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Write logs to file instead of stderr")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Path to the state database [default: user config dir]")
	rootCmd.PersistentFlags().BoolVar(&noPersist, "no-persist", false, "Keep all state in memory for this run")
	rootCmd.PersistentFlags().String("model", "", "Model id to use for generation")
	rootCmd.PersistentFlags().Bool("count-tokens", false, "Bill with exact API token counts instead of estimates")

	for _, name := range []string{"model", "count-tokens"} {
		if err := viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name)); err != nil {
			fmt.Fprintf(os.Stderr, "Error binding %s flag: %v\n", name, err)
			os.Exit(1)
		}
	}

	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(attachCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)

	cobra.OnInitialize(initConfig)
}

func initConfig() {
	if err := logger.Configure(logLevel, logFile); err != nil {
		fmt.Fprintf(os.Stderr, "Error configuring logger: %v\n", err)
		os.Exit(1)
	}
}

// app bundles the wired collaborators for one command invocation.
type app struct {
	store  *store.Store
	cfg    *config.Config
	closer io.Closer
}

// openApp opens the state database and wires the store over the real Gemini
// backend and GitHub source.
func openApp() (*app, error) {
	var kv storage.KV
	var closer io.Closer
	if noPersist {
		kv = storage.NewMemoryKV()
	} else {
		db, err := storage.Open(dbPath)
		if err != nil {
			return nil, err
		}
		kv = db
		closer = db
	}

	cfg, err := config.Load(kv)
	if err != nil {
		return nil, err
	}

	backend := llm.NewGeminiBackend(cfg.GeminiAPIKey)
	source := repo.NewGitHub(cfg.GitHubToken)
	st, err := store.New(kv, cfg, backend, source)
	if err != nil {
		return nil, err
	}
	return &app{store: st, cfg: cfg, closer: closer}, nil
}

func (a *app) close() {
	a.store.Flush()
	if a.closer != nil {
		_ = a.closer.Close()
	}
}

// runWithApp wraps a command body with app setup and teardown.
func runWithApp(fn func(a *app, cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()
		return fn(a, cmd, args)
	}
}
