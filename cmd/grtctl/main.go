package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"iter"
	"os"

	"github.com/a-poor/bluegraph/config"
	"github.com/a-poor/bluegraph/storage"
)

const usage = `grtctl - inspect and maintain a bluegraph directory.

Usage:
  grtctl [options] <command> [args]

Commands:
  stats                      Count partitions and records per family
  check                      Report edges missing from one family and size drift
  recover                    Replay pending edge intents
  clear                      Remove every node and edge
  copy <dst>                 Copy the graph to another directory
  node-get <key>             Print a node's properties
  node-put <key> <props>     Create a node, or update it if it exists
  node-del <key>             Delete a node and its edges
  edge-put <src> <dst> <props>
                             Create an edge, or update it if it exists
  neighbors <key>            Print a node's outgoing and incoming neighbors

Options:
`

// exitError carries the process exit code of a failed run.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string {
	return e.msg
}

func main() {
	err := run(os.Args[1:], os.Stdout, os.Stderr)
	if err == nil {
		return
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.msg != "" {
			fmt.Fprintln(os.Stderr, ee.msg)
		}
		os.Exit(ee.code)
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}

func run(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("grtctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprint(stderr, usage)
		fs.PrintDefaults()
	}
	configPath := fs.String("config", "", "Path to a YAML or TOML config file.")
	dir := fs.String("dir", "", "Graph directory. Overrides the config file.")
	logLevel := fs.String("log-level", "", "Log level: debug, info, warn or error.")
	logFormat := fs.String("log-format", "", "Log format: text or json.")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return &exitError{code: 2, msg: err.Error()}
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return &exitError{code: 2}
	}

	// Settings: defaults, then the config file, then flags
	cfg := config.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return err
		}
	}
	if *dir != "" {
		cfg.Directory = *dir
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	if err := cfg.Validate(); err != nil {
		return &exitError{code: 2, msg: err.Error()}
	}

	opts := cfg.Options()
	opts.Logger = cfg.NewLogger(stderr)
	g, err := storage.Open(opts)
	if err != nil {
		return err
	}

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	switch cmd {
	case "stats":
		s, err := g.Stats()
		if err != nil {
			return err
		}
		return printJSON(stdout, s)

	case "check":
		r, err := g.Check()
		if err != nil {
			return err
		}
		if err := printJSON(stdout, r); err != nil {
			return err
		}
		if !r.OK() {
			return &exitError{code: 1, msg: "graph is inconsistent"}
		}
		return nil

	case "recover":
		n, err := g.Recover()
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "replayed %d intents\n", n)
		return nil

	case "clear":
		if !g.Clear() {
			return &exitError{code: 1, msg: "clear failed"}
		}
		return nil

	case "copy":
		if err := wantArgs(cmd, rest, 1); err != nil {
			return err
		}
		if _, ok := g.Copy(rest[0]); !ok {
			return &exitError{code: 1, msg: "copy failed"}
		}
		return nil

	case "node-get":
		if err := wantArgs(cmd, rest, 1); err != nil {
			return err
		}
		n, ok, err := g.Nodes().Get(rest[0])
		if err != nil {
			return &exitError{code: 2, msg: err.Error()}
		}
		if !ok {
			return &exitError{code: 1, msg: fmt.Sprintf("node %q not found", rest[0])}
		}
		fmt.Fprintln(stdout, string(n.Properties))
		return nil

	case "node-put":
		if err := wantArgs(cmd, rest, 2); err != nil {
			return err
		}
		return put(g.Nodes().Create, g.Nodes().Update, rest[0], storage.Properties(rest[1]))

	case "node-del":
		if err := wantArgs(cmd, rest, 1); err != nil {
			return err
		}
		ok, err := g.Nodes().Delete(rest[0])
		if err != nil {
			return &exitError{code: 2, msg: err.Error()}
		}
		if !ok {
			return &exitError{code: 1, msg: fmt.Sprintf("node %q not deleted", rest[0])}
		}
		return nil

	case "edge-put":
		if err := wantArgs(cmd, rest, 3); err != nil {
			return err
		}
		src, dst, props := rest[0], rest[1], storage.Properties(rest[2])
		create := func(string, storage.Properties) (bool, error) { return g.Edges().Create(src, dst, props) }
		update := func(string, storage.Properties) (bool, error) { return g.Edges().Update(src, dst, props) }
		return put(create, update, src+" -> "+dst, props)

	case "neighbors":
		if err := wantArgs(cmd, rest, 1); err != nil {
			return err
		}
		out, err := g.Edges().Outgoing(rest[0])
		if err != nil {
			return &exitError{code: 2, msg: err.Error()}
		}
		in, err := g.Edges().Incoming(rest[0])
		if err != nil {
			return &exitError{code: 2, msg: err.Error()}
		}
		return printJSON(stdout, map[string][]string{
			"outgoing": collect(out),
			"incoming": collect(in),
		})

	default:
		return &exitError{code: 2, msg: fmt.Sprintf("unknown command %q", cmd)}
	}
}

// put creates a record, falling back to an update when it already exists.
func put(create, update func(string, storage.Properties) (bool, error), key string, props storage.Properties) error {
	ok, err := create(key, props)
	if err != nil {
		return &exitError{code: 2, msg: err.Error()}
	}
	if ok {
		return nil
	}
	if ok, err = update(key, props); err != nil {
		return &exitError{code: 2, msg: err.Error()}
	}
	if !ok {
		return &exitError{code: 1, msg: fmt.Sprintf("failed to store %q", key)}
	}
	return nil
}

func wantArgs(cmd string, args []string, n int) error {
	if len(args) != n {
		return &exitError{code: 2, msg: fmt.Sprintf("%s: expected %d arguments, got %d", cmd, n, len(args))}
	}
	return nil
}

func collect(seq iter.Seq[string]) []string {
	keys := []string{}
	for k := range seq {
		keys = append(keys, k)
	}
	return keys
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
