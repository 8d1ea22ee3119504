package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/Driftcell/foreach/internal/db"
	"github.com/Driftcell/foreach/internal/mcp"
	"github.com/Driftcell/foreach/internal/queue"
	"github.com/Driftcell/foreach/internal/scanner"
)

var (
	dbPath  string
	verbose bool
)

func main() {
	flag.StringVar(&dbPath, "db-path", "", "Path to a SQLite journal; empty keeps tasks in memory only")
	flag.BoolVar(&verbose, "verbose", false, "Enable verbose logging")
	flag.Parse()

	setupLogging()

	command := "mcp"
	args := []string{}
	if flag.NArg() > 0 {
		command = flag.Arg(0)
		args = flag.Args()[1:]
	}

	var err error
	switch command {
	case "mcp":
		err = runMCP(args)
	case "scan":
		err = runScan(args)
	case "status":
		err = runStatus(args)
	default:
		fmt.Printf("Unknown command: %s\n", command)
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// setupLogging sends slog to stderr; stdout belongs to the MCP transport.
func setupLogging() {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func runMCP(args []string) error {
	registry, closeJournal, err := newRegistry()
	if err != nil {
		return err
	}
	defer closeJournal()

	s := mcp.NewServer(registry)
	return mcp.Serve(s)
}

// newRegistry builds the registry, attaching and replaying the journal
// when -db-path is set.
func newRegistry() (*queue.Registry, func(), error) {
	if dbPath == "" {
		return queue.NewRegistry(), func() {}, nil
	}

	journal, err := db.Open(dbPath)
	if err != nil {
		return nil, nil, err
	}

	ctx := context.Background()
	if err := journal.Init(ctx); err != nil {
		journal.Close()
		return nil, nil, err
	}

	tasks, leases, err := journal.LoadTasks(ctx)
	if err != nil {
		journal.Close()
		return nil, nil, err
	}

	registry := queue.NewRegistry(queue.WithJournal(journal))
	registry.Restore(tasks, leases)
	if len(tasks) > 0 {
		slog.Info("restored tasks from journal", "count", len(tasks), "path", dbPath)
	}
	return registry, func() { journal.Close() }, nil
}

func runScan(args []string) error {
	scanFlags := flag.NewFlagSet("scan", flag.ContinueOnError)
	include := scanFlags.String("include", "", "Comma-separated include globs")
	exclude := scanFlags.String("exclude", "", "Comma-separated extra exclude globs")
	if err := scanFlags.Parse(args); err != nil {
		return err
	}

	root := "."
	if scanFlags.NArg() > 0 {
		root = scanFlags.Arg(0)
	}

	res, err := scanner.Scan(root, splitGlobs(*include), splitGlobs(*exclude))
	if err != nil {
		return err
	}

	for _, f := range res.Files {
		fmt.Println(f)
	}
	for _, w := range res.Warnings {
		fmt.Fprintf(os.Stderr, "warning: %s\n", w)
	}
	fmt.Fprintf(os.Stderr, "%d file(s) under %s\n", len(res.Files), res.Root)
	return nil
}

func runStatus(args []string) error {
	if dbPath == "" {
		return fmt.Errorf("status requires -db-path")
	}

	registry, closeJournal, err := newRegistry()
	if err != nil {
		return err
	}
	defer closeJournal()

	summaries := registry.Summaries()
	if len(summaries) == 0 {
		fmt.Println("No tasks recorded.")
		return nil
	}

	fmt.Printf("%-36s %-10s %8s %8s %8s %8s %8s\n", "ID", "STATUS", "TOTAL", "PENDING", "CLAIMED", "DONE", "SKIPPED")
	for _, s := range summaries {
		fmt.Printf("%-36s %-10s %8d %8d %8d %8d %8d\n", s.ID, s.Status, s.Total, s.Pending, s.Claimed, s.Done, s.Skipped)
	}
	return nil
}

func splitGlobs(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
