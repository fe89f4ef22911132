package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/marcus-qen/gqlsocket/internal/config"
)

const defaultTimeout = 30 * time.Second

// cliOptions are the flags shared by the operation commands.
type cliOptions struct {
	configPath string
	url        string
	statusAddr string
	writePath  string
	file       string
	document   string
	vars       map[string]any
	timeout    time.Duration
	count      int
}

func parseArgs(args []string) (cliOptions, error) {
	opts := cliOptions{timeout: defaultTimeout}

	for i := 0; i < len(args); i++ {
		arg := args[i]
		value := func() (string, error) {
			if i+1 >= len(args) {
				return "", fmt.Errorf("%s requires a value", arg)
			}
			i++
			return args[i], nil
		}

		var err error
		switch arg {
		case "--config", "-c":
			opts.configPath, err = value()
		case "--url", "-u":
			opts.url, err = value()
		case "--file", "-f":
			opts.file, err = value()
		case "--status-addr":
			opts.statusAddr, err = value()
		case "--write", "-w":
			opts.writePath, err = value()
		case "--var":
			var raw string
			if raw, err = value(); err == nil {
				err = opts.setVar(raw)
			}
		case "--timeout":
			var raw string
			if raw, err = value(); err == nil {
				opts.timeout, err = time.ParseDuration(raw)
			}
		case "--count":
			var raw string
			if raw, err = value(); err == nil {
				opts.count, err = strconv.Atoi(raw)
			}
		default:
			if strings.HasPrefix(arg, "-") && arg != "-" {
				return opts, fmt.Errorf("unknown flag: %s", arg)
			}
			if opts.document != "" {
				return opts, fmt.Errorf("unexpected argument: %s", arg)
			}
			opts.document = arg
		}
		if err != nil {
			return opts, fmt.Errorf("%s: %w", arg, err)
		}
	}

	if opts.configPath == "" {
		opts.configPath = strings.TrimSpace(os.Getenv("GQLSOCKET_CONFIG"))
	}
	return opts, nil
}

// setVar parses key=value. Values that are valid JSON keep their type,
// anything else is a string.
func (o *cliOptions) setVar(raw string) error {
	key, val, ok := strings.Cut(raw, "=")
	if !ok || key == "" {
		return fmt.Errorf("expected key=value, got %q", raw)
	}
	if o.vars == nil {
		o.vars = make(map[string]any)
	}

	var decoded any
	if err := json.Unmarshal([]byte(val), &decoded); err == nil {
		o.vars[key] = decoded
	} else {
		o.vars[key] = val
	}
	return nil
}

// loadDocument returns the document from --file, the positional argument or
// stdin ("-").
func (o cliOptions) loadDocument() (string, error) {
	switch {
	case o.file != "":
		data, err := os.ReadFile(o.file)
		if err != nil {
			return "", fmt.Errorf("read document: %w", err)
		}
		return strings.TrimSpace(string(data)), nil
	case o.document == "-":
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("read document from stdin: %w", err)
		}
		return strings.TrimSpace(string(data)), nil
	case o.document != "":
		return o.document, nil
	default:
		return "", fmt.Errorf("a document is required (argument, --file or -)")
	}
}

// resolveConfig loads the config file and applies flag overrides.
func (o cliOptions) resolveConfig() (config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return cfg, err
	}
	if o.url != "" {
		cfg.URL = o.url
	}
	if o.statusAddr != "" {
		cfg.StatusAddr = o.statusAddr
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
