package web

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
)

// ParseArgs parses termserve arguments. The flag names match ttyd so one
// parser recognizes both servers in the process table.
func ParseArgs(args []string) (Config, error) {
	cfg := Config{Interface: "127.0.0.1"}
	fs := flag.NewFlagSet("termserve", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	intVar := func(p *int, short, long string, def int, usage string) {
		fs.IntVar(p, short, def, usage)
		fs.IntVar(p, long, def, usage)
	}
	stringVar := func(p *string, short, long, def, usage string) {
		fs.StringVar(p, short, def, usage)
		fs.StringVar(p, long, def, usage)
	}
	boolVar := func(p *bool, short, long, usage string) {
		fs.BoolVar(p, short, false, usage)
		fs.BoolVar(p, long, false, usage)
	}

	intVar(&cfg.Port, "p", "port", 7681, "port to listen on (0 picks a free port)")
	stringVar(&cfg.Interface, "i", "interface", "127.0.0.1", "address to bind")
	stringVar(&cfg.Credential, "c", "credential", "", "basic auth user:password")
	stringVar(&cfg.WorkDir, "w", "cwd", "", "working directory of the served command")
	intVar(&cfg.MaxClients, "m", "max-clients", 0, "maximum concurrent clients (0 is unlimited)")
	boolVar(&cfg.Writable, "W", "writable", "allow clients to write to the terminal")
	boolVar(&cfg.Once, "o", "once", "accept one client and exit when it disconnects")
	fs.StringVar(&cfg.Token, "token", "", "bearer token required on every request")
	ignored := func(string) error { return nil }
	fs.Func("t", "client option (ignored)", ignored)
	fs.Func("client-option", "client option (ignored)", ignored)

	if err := fs.Parse(args); err != nil {
		return Config{}, fmt.Errorf("termserve: %w", err)
	}
	cfg.Command = fs.Args()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if len(c.Command) == 0 {
		return errors.New("termserve: a command to serve is required")
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("termserve: invalid port %d", c.Port)
	}
	if c.MaxClients < 0 {
		return fmt.Errorf("termserve: invalid max clients %d", c.MaxClients)
	}
	if c.Credential != "" && !strings.Contains(c.Credential, ":") {
		return errors.New("termserve: credential must be user:password")
	}
	return nil
}
