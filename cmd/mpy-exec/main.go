// mpy-exec runs a chunk of MicroPython code on a device and prints the
// result. It exists to exercise the library end to end against real
// hardware, the unix-port emulator, or a WebREPL endpoint.
//
// Usage:
//
//	mpy-exec --serial /dev/ttyACM0 --code "print(2+2)"
//	mpy-exec --emulator ./micropython --code "import sys; print(sys.platform)"
//	mpy-exec --webrepl ws://192.168.4.1:8266/ --password secret --file boot_check.py
//	mpy-exec --config device.yaml --file script.py
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/smnsjas/go-rawrepl/device"
	"github.com/smnsjas/go-rawrepl/response"
	"github.com/smnsjas/go-rawrepl/timeout"
	"github.com/smnsjas/go-rawrepl/transport"
)

// fileConfig mirrors the flag surface so a device profile can live in a
// YAML file; flags override file values.
type fileConfig struct {
	Serial struct {
		Path string `yaml:"path"`
		Baud int    `yaml:"baud"`
	} `yaml:"serial"`
	Emulator struct {
		Path string   `yaml:"path"`
		Args []string `yaml:"args"`
	} `yaml:"emulator"`
	WebREPL struct {
		URL      string `yaml:"url"`
		Password string `yaml:"password"`
	} `yaml:"webrepl"`
	Timeouts  timeout.Config         `yaml:"timeouts"`
	Reconnect device.ReconnectPolicy `yaml:"reconnect"`
}

func main() {
	var (
		configPath = pflag.String("config", "", "YAML device profile")
		serialPath = pflag.String("serial", "", "serial device path")
		baud       = pflag.Int("baud", 0, "serial baud rate (default 115200)")
		emulator   = pflag.String("emulator", "", "device-emulator binary (MicroPython unix port)")
		webrepl    = pflag.String("webrepl", "", "WebREPL URL (ws://host:8266/)")
		password   = pflag.String("password", "", "WebREPL password")
		code       = pflag.String("code", "", "code to execute")
		file       = pflag.String("file", "", "file with code to execute")
		execLimit  = pflag.Duration("timeout", 0, "execute timeout override")
		verbose    = pflag.BoolP("verbose", "v", false, "debug logging")
	)
	pflag.Parse()

	if err := run(*configPath, *serialPath, *baud, *emulator, *webrepl, *password,
		*code, *file, *execLimit, *verbose, pflag.Args()); err != nil {
		fmt.Fprintln(os.Stderr, "mpy-exec:", err)
		os.Exit(1)
	}
}

func run(configPath, serialPath string, baud int, emulator, webrepl, password,
	code, file string, execLimit time.Duration, verbose bool, extraArgs []string) error {
	var cfg fileConfig
	if configPath != "" {
		raw, err := os.ReadFile(configPath)
		if err != nil {
			return fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return fmt.Errorf("parse config: %w", err)
		}
	} else {
		cfg.Reconnect = device.DefaultReconnectPolicy()
	}

	if serialPath != "" {
		cfg.Serial.Path = serialPath
	}
	if baud > 0 {
		cfg.Serial.Baud = baud
	}
	if emulator != "" {
		cfg.Emulator.Path = emulator
		cfg.Emulator.Args = append([]string{"-i"}, extraArgs...)
	}
	if webrepl != "" {
		cfg.WebREPL.URL = webrepl
	}
	if password != "" {
		cfg.WebREPL.Password = password
	}
	if execLimit > 0 {
		cfg.Timeouts.Execute = execLimit
	}

	if file != "" {
		raw, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("read code file: %w", err)
		}
		code = string(raw)
	}
	if code == "" {
		return fmt.Errorf("nothing to execute: pass --code or --file")
	}

	logger := zap.NewNop()
	if verbose {
		var err error
		if logger, err = zap.NewDevelopment(); err != nil {
			return err
		}
	}
	defer logger.Sync() //nolint:errcheck

	var ch transport.Channel
	switch {
	case cfg.Serial.Path != "":
		ch = transport.NewSerial(cfg.Serial.Path, cfg.Serial.Baud, logger)
	case cfg.Emulator.Path != "":
		ch = transport.NewSubprocess(cfg.Emulator.Path, cfg.Emulator.Args, logger)
	case cfg.WebREPL.URL != "":
		ch = transport.NewWebSocket(cfg.WebREPL.URL, cfg.WebREPL.Password, logger)
	default:
		return fmt.Errorf("no target: pass --serial, --emulator, --webrepl or a config file")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	dev := device.NewManager(ch, device.Options{
		Timeouts:  cfg.Timeouts,
		Reconnect: cfg.Reconnect,
		Logger:    logger,
		OnOutput: func(b []byte) {
			fmt.Fprintf(os.Stderr, "[device] %s", b)
		},
		BackgroundListener: true,
	})

	if err := dev.Connect(ctx); err != nil {
		return err
	}
	defer dev.Disconnect(context.WithoutCancel(ctx))

	if snap := dev.State(); snap.Capabilities != nil {
		logger.Info("connected",
			zap.String("implementation", snap.Capabilities.Implementation),
			zap.String("platform", snap.Capabilities.Platform))
	}

	resp, err := dev.Execute(ctx, code)
	if err != nil {
		var ee *response.ExecutionError
		if errors.As(err, &ee) {
			fmt.Fprintln(os.Stderr, ee.Traceback)
			os.Exit(2)
		}
		return err
	}

	if resp.ResultText != "" {
		fmt.Println(resp.ResultText)
	}
	return nil
}
