// Package main implements the inputlayer CLI: a thin cobra front end over
// the engine's storage.Engine + session.Manager, for exercising a
// knowledge graph from a terminal without any protocol layer in between.
//
// A persistent rootCmd bootstraps config and opens the storage engine in
// PersistentPreRunE, closing it in PersistentPostRunE; each verb below is
// a package-level *cobra.Command with its own RunE.
package main

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"inputlayer/internal/config"
	"inputlayer/internal/kg"
	"inputlayer/internal/logging"
	"inputlayer/internal/persist"
	"inputlayer/internal/runtime"
	"inputlayer/internal/session"
	"inputlayer/internal/storage"
)

var (
	dataDir string
	kgName  string
	user    string

	engine *storage.Engine
)

var rootCmd = &cobra.Command{
	Use:   "inputlayer",
	Short: "inputlayer - a streaming deductive knowledge graph engine",
	Long: `inputlayer evaluates a Datalog dialect incrementally over a durable,
versioned knowledge graph: persistent and session-local rules materialize
as facts change, with stratified negation, aggregation, and a vector index
over embedding columns.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		if dataDir != "" {
			cfg.DataDir = dataDir
		}
		logging.Configure(cfg.LogLevel, cfg.LogJSON)
		if warn, reason := cfg.ProductionWarning(); warn {
			fmt.Fprintf(os.Stderr, "warning: %s\n", reason)
		}

		opts := kg.Options{
			DurabilityMode:       persist.DurabilityMode(cfg.DurabilityMode),
			MaxWALSizeBytes:      cfg.MaxWALSizeBytes,
			WALBatchSize:         cfg.BufferSize,
			AutoCompactThreshold: cfg.AutoCompactThreshold,
			CommandBufferSize:    cfg.BufferSize,
			HNSWSeed:             1,
		}
		e, err := storage.Open(cfg.DataDir, opts)
		if err != nil {
			return fmt.Errorf("failed to open storage engine: %w", err)
		}
		engine = e
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if engine == nil {
			return nil
		}
		return engine.Close()
	},
}

var execCmd = &cobra.Command{
	Use:   "exec [file]",
	Short: "run a program of statements against a knowledge graph",
	Long: `Runs every statement in file (or stdin, with no argument or "-") against
the knowledge graph named by --kg, creating it first if it doesn't exist.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runExec,
}

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "start an interactive session against a knowledge graph",
	RunE:  runREPL,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "show the engine identity and every loaded knowledge graph",
	RunE:  runStatus,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "engine data directory (overrides data_dir env var)")
	rootCmd.PersistentFlags().StringVar(&kgName, "kg", "default", "knowledge graph name")
	rootCmd.PersistentFlags().StringVar(&user, "user", "cli", "authenticated_user recorded on the session")

	rootCmd.AddCommand(execCmd, replCmd, statusCmd)
}

func runExec(cmd *cobra.Command, args []string) error {
	mgr := session.NewManager(engine)
	s := mgr.CreateSession(user)
	if err := s.UseKG(kgName, true); err != nil {
		return err
	}

	src, err := readProgram(args)
	if err != nil {
		return err
	}

	results, err := s.Execute(cmd.Context(), src)
	printResults(results)
	return err
}

func runREPL(cmd *cobra.Command, args []string) error {
	mgr := session.NewManager(engine)
	s := mgr.CreateSession(user)
	if err := s.UseKG(kgName, true); err != nil {
		return err
	}
	defer mgr.Close(s.ID)

	fmt.Printf("connected to %q as %q; Ctrl-D to exit\n", kgName, user)
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		line := scanner.Text()
		if line == "" {
			continue
		}
		results, err := s.Execute(cmd.Context(), line)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			continue
		}
		printResults(results)
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	fmt.Printf("engine_id: %s\n", engine.EngineID())
	fmt.Println("knowledge graphs:")
	for _, name := range engine.List() {
		fmt.Printf("  - %s\n", name)
	}
	return nil
}

func readProgram(args []string) (string, error) {
	if len(args) == 0 || args[0] == "-" {
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("failed to read stdin: %w", err)
		}
		return string(b), nil
	}
	b, err := os.ReadFile(args[0])
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", args[0], err)
	}
	return string(b), nil
}

func printResults(results []interface{}) {
	for _, r := range results {
		rows, ok := r.([]runtime.Row)
		if !ok {
			continue
		}
		for _, row := range rows {
			fmt.Println(formatRow(row))
		}
	}
}

func formatRow(row runtime.Row) string {
	s := ""
	for col, v := range row.Bind {
		if s != "" {
			s += ", "
		}
		s += fmt.Sprintf("%s=%s", col, v.String())
	}
	return s
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
