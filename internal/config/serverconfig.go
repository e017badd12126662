// Package config loads mcs's server configuration: a bespoke Redis-style
// key/value file, not YAML/JSON. cmd/mcsctl carries its own, separate
// viper-backed config surface; this package is the server's only config
// source.
package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// SaveCondition is one "save S C" pair from the config file: snapshot
// when at least S seconds have passed AND at least C changes occurred.
type SaveCondition struct {
	Seconds int
	Changes int
}

// ServerConfig is the full set of directives the config file recognizes.
type ServerConfig struct {
	Bind            string
	Port            int
	RequirePass     string // plaintext from the config file; empty means no auth. server hashes it with bcrypt at startup.
	MaxMemory       int64  // bytes; 0 = unlimited
	MaxMemoryPolicy string
	AppendOnly      bool
	AppendFilename  string
	SaveImmediate   bool
	SaveConditions  []SaveCondition

	// path is the resolved location of the config file itself, used to
	// make AppendFilename/MCDB paths sibling to it.
	path string
}

// Path returns the config file's own resolved path.
func (c *ServerConfig) Path() string { return c.path }

// Default returns the configuration used when no config file is
// supplied at all.
func Default() *ServerConfig {
	return &ServerConfig{
		Bind:            "127.0.0.1",
		Port:            6379,
		MaxMemoryPolicy: "noeviction",
		AppendFilename:  "appendonly.aof",
	}
}

// Load reads and parses a config file at path. A missing file is not an
// error: Default() is returned instead, matching the source treating the
// absence of conf/mcs.conf as "run with factory defaults".
func Load(path string) (*ServerConfig, error) {
	cfg := Default()
	abs, err := filepath.Abs(path)
	if err == nil {
		cfg.path = abs
	} else {
		cfg.path = path
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		key := strings.ToLower(fields[0])
		args := fields[1:]

		switch key {
		case "bind":
			if len(args) != 1 {
				return nil, fmt.Errorf("config line %d: bind takes one argument", lineNo)
			}
			cfg.Bind = args[0]
		case "port":
			n, err := strconv.Atoi(argOrEmpty(args))
			if err != nil {
				return nil, fmt.Errorf("config line %d: invalid port: %w", lineNo, err)
			}
			cfg.Port = n
		case "requirepass":
			cfg.RequirePass = argOrEmpty(args)
		case "maxmemory":
			n, err := parseMemory(argOrEmpty(args))
			if err != nil {
				return nil, fmt.Errorf("config line %d: %w", lineNo, err)
			}
			cfg.MaxMemory = n
		case "maxmemory-policy":
			cfg.MaxMemoryPolicy = argOrEmpty(args)
		case "appendonly":
			cfg.AppendOnly = strings.EqualFold(argOrEmpty(args), "yes") || strings.EqualFold(argOrEmpty(args), "true")
		case "appendfilename":
			cfg.AppendFilename = strings.Trim(argOrEmpty(args), `"`)
		case "save_immediate":
			cfg.SaveImmediate = strings.EqualFold(argOrEmpty(args), "yes") || strings.EqualFold(argOrEmpty(args), "true")
		case "save":
			if len(args) != 2 {
				return nil, fmt.Errorf("config line %d: save takes seconds and changes", lineNo)
			}
			sec, err := strconv.Atoi(args[0])
			if err != nil {
				return nil, fmt.Errorf("config line %d: invalid save seconds: %w", lineNo, err)
			}
			chg, err := strconv.Atoi(args[1])
			if err != nil {
				return nil, fmt.Errorf("config line %d: invalid save changes: %w", lineNo, err)
			}
			cfg.SaveConditions = append(cfg.SaveConditions, SaveCondition{Seconds: sec, Changes: chg})
		default:
			// Unknown directives are ignored rather than rejected, matching
			// the source's tolerance of forward-compatible config files.
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return cfg, nil
}

func argOrEmpty(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return strings.Join(args, " ")
}

// parseMemory accepts a raw byte count or a number with a kb/mb/gb
// suffix, case-insensitively.
func parseMemory(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	lower := strings.ToLower(s)
	mult := int64(1)
	switch {
	case strings.HasSuffix(lower, "kb"):
		mult = 1024
		lower = strings.TrimSuffix(lower, "kb")
	case strings.HasSuffix(lower, "mb"):
		mult = 1024 * 1024
		lower = strings.TrimSuffix(lower, "mb")
	case strings.HasSuffix(lower, "gb"):
		mult = 1024 * 1024 * 1024
		lower = strings.TrimSuffix(lower, "gb")
	}
	n, err := strconv.ParseInt(strings.TrimSpace(lower), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid maxmemory value %q", s)
	}
	return n * mult, nil
}

// ResolvePath resolves filename relative to the config file's directory,
// unless filename is already absolute, for the AOF and MCDB paths.
func (c *ServerConfig) ResolvePath(filename string) string {
	if filepath.IsAbs(filename) {
		return filename
	}
	dir := "."
	if c.path != "" {
		dir = filepath.Dir(c.path)
	}
	return filepath.Join(dir, filename)
}

// MCDBFilename is the sibling snapshot file's name, fixed rather than
// configurable, matching the source's hard-coded dump.mcdb.
const MCDBFilename = "dump.mcdb"
