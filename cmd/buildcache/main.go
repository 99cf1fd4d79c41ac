// Command buildcache is a thin driver over the execution cache core. CLI
// parsing and toolchain-specific command construction are out of scope for
// the cache itself per spec §1 — this binary exists only to exercise
// components A-F end to end, the way the build tool's own main.go exercised
// its LocalCache/FileStampCache.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/vigovlugt/buildcache/config"
	"github.com/vigovlugt/buildcache/executor"
	"github.com/vigovlugt/buildcache/notify"
	"github.com/vigovlugt/buildcache/operation"
	"github.com/vigovlugt/buildcache/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		fmt.Println("usage: buildcache <config.jsonc> spawn [--reads=a,b] [--writes=c,d] <cmd> [args...]")
		fmt.Println("       buildcache <config.jsonc> gc [--percent=N] [--max-bytes=N]")
		fmt.Println("       buildcache <config.jsonc> stats")
		return fmt.Errorf("no command specified")
	}

	cfgPath := args[0]
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := notify.NewConsoleLogger(os.Stdout, os.Stderr, notify.ConsoleLoggerOptions{
		ColorEnabled: notify.DetectColorEnabled(),
	})

	s, err := store.Open(cfg.Directory, store.Options{Disabled: cfg.Disabled, Notifier: logger})
	if err != nil {
		return fmt.Errorf("open cache store: %w", err)
	}
	defer s.Close()

	if len(args) < 2 {
		return fmt.Errorf("no subcommand specified")
	}

	switch args[1] {
	case "stats":
		return runStats(s)
	case "gc":
		return runGC(s, args[2:])
	case "spawn":
		return runSpawn(s, logger, args[2:])
	default:
		return fmt.Errorf("unknown command %q", args[1])
	}
}

func runStats(s *store.Store) error {
	stats, err := s.Stats()
	if err != nil {
		return err
	}
	fmt.Println(stats.HumanStats())
	return nil
}

func runGC(s *store.Store, args []string) error {
	fs := flag.NewFlagSet("gc", flag.ContinueOnError)
	percent := fs.Int("percent", 50, "percentage of total bytes to retain after eviction")
	maxBytesFlag := fs.Int64("max-bytes", -1, "cap the retained budget in bytes; -1 means no cap")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var maxBytes *int64
	if *maxBytesFlag >= 0 {
		maxBytes = maxBytesFlag
	}

	if err := s.Evict(*percent, maxBytes); err != nil {
		return fmt.Errorf("evict: %w", err)
	}

	deleted, err := s.DeleteUnused()
	if err != nil {
		return fmt.Errorf("delete unused: %w", err)
	}
	fmt.Printf("deleted %d unused entries\n", deleted)
	return nil
}

func runSpawn(s *store.Store, logger notify.Notifier, args []string) error {
	fs := flag.NewFlagSet("spawn", flag.ContinueOnError)
	var reads, writes stringList
	fs.Var(&reads, "reads", "comma-separated path specs this invocation reads (repeatable)")
	fs.Var(&writes, "writes", "comma-separated path specs this invocation writes (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()
	if len(rest) == 0 {
		return fmt.Errorf("spawn requires a command")
	}

	readPaths, err := expandGlobs(reads)
	if err != nil {
		return fmt.Errorf("expand reads: %w", err)
	}
	writePaths, err := expandGlobs(writes)
	if err != nil {
		return fmt.Errorf("expand writes: %w", err)
	}

	op := operation.NewSpawn(nextOperationID(), rest[0], rest, os.Environ(), "", readPaths, writePaths)
	if err := op.Validate(); err != nil {
		return fmt.Errorf("invalid operation: %w", err)
	}

	e := executor.New(s, logger)
	if e.TryHit(op) {
		logger.Debug(op.ID, "cache hit; skipping execution")
		return nil
	}

	return fmt.Errorf("cache miss: caller is responsible for executing %v and calling Record", rest)
}

var opIDCounter int64

func nextOperationID() int64 {
	opIDCounter++
	return opIDCounter
}

// stringList is a flag.Value accumulating repeated --flag=a,b,c,... values
// into a single flattened []string, the way a manifest-driven caller would
// gather path specs across several flag occurrences.
type stringList []string

func (s *stringList) String() string { return fmt.Sprint([]string(*s)) }

func (s *stringList) Set(v string) error {
	start := 0
	for i := 0; i <= len(v); i++ {
		if i == len(v) || v[i] == ',' {
			if i > start {
				*s = append(*s, v[start:i])
			}
			start = i + 1
		}
	}
	return nil
}
