// Command modemctl drives PLC and RF modems from a host, either through
// the USB bridge firmware, straight over Linux spidev, or against an
// in-process simulation.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-logr/stdr"
	"github.com/google/shlex"
	"go.uber.org/zap"

	"modemlink/host/config"
)

var (
	configPath = flag.String("config", "", "JSON session file")
	device     = flag.String("device", "", "serial device of the bridge (overrides the config)")
	transport  = flag.String("transport", "", "bridge, spidev or sim (overrides the config)")
	verbosity  = flag.Int("v", -1, "log verbosity (overrides the config)")
)

func main() {
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "modemctl: %v\n", err)
		os.Exit(1)
	}

	z, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintf(os.Stderr, "modemctl: logger: %v\n", err)
		os.Exit(1)
	}
	defer z.Sync()
	stdr.SetVerbosity(cfg.Verbosity)
	log := stdr.New(zap.NewStdLog(z))

	s, err := Open(cfg, log)
	if err != nil {
		log.Error(err, "open session", "transport", cfg.Transport.Kind)
		os.Exit(1)
	}
	defer s.Close()

	fmt.Printf("modemctl: %s session, %d channels\n", cfg.Transport.Kind, len(s.modems))
	if err := repl(s, os.Stdin, os.Stdout); err != nil {
		log.Error(err, "read input")
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return nil, err
		}
	}
	if *transport != "" {
		cfg.Transport.Kind = *transport
	}
	if *device != "" {
		cfg.Transport.Device = *device
	}
	if *verbosity >= 0 {
		cfg.Verbosity = *verbosity
	}
	return cfg, cfg.Validate()
}

func repl(s *Session, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	fmt.Fprint(out, "> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			args, err := shlex.Split(line)
			if err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
			} else if len(args) > 0 {
				if args[0] == "quit" || args[0] == "exit" {
					return nil
				}
				if err := s.Run(out, args); err != nil {
					fmt.Fprintf(out, "error: %v\n", err)
				}
			}
		}
		fmt.Fprint(out, "> ")
	}
	return scanner.Err()
}
