// Package cli holds the emuroot command tree.
package cli

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/alecthomas/kong"

	"github.com/NicolaiSoeborg/android-emuroot/config"
	"github.com/NicolaiSoeborg/android-emuroot/logging"
)

// CLI is the root command structure for emuroot. Connection flags
// left empty fall back to the config file and its embedded defaults.
type CLI struct {
	Device    string        `name:"device" short:"s" help:"Device serial as shown by 'adb devices' (default emulator-5554)." placeholder:"SERIAL"`
	ADB       string        `name:"adb" help:"adb server address (default 127.0.0.1:5037)." placeholder:"HOST:PORT"`
	GDB       string        `name:"gdb" help:"GDB stub endpoint of the emulator (default localhost:1234)." placeholder:"HOST:PORT"`
	GDBPath   string        `name:"gdb-path" help:"gdb binary to drive (default gdb)." placeholder:"PATH"`
	Timeout   time.Duration `name:"timeout" help:"Bound for stub connects and kernel memory searches (default 60s)." placeholder:"DURATION"`
	Config    string        `name:"config" help:"Config file path." default:"${default_config_path}"`
	Log       string        `name:"log" help:"Log spec (e.g. 'info,gdb=trace')." env:"EMUROOT_LOG"`
	LogFormat string        `name:"log-format" help:"Log encoding: text or json." placeholder:"FORMAT"`

	Single SingleCmd `cmd:"" help:"Elevate a running process by name."`
	Adbd   AdbdCmd   `cmd:"" help:"Elevate the adb daemon so every adb shell lands as root."`
	Setuid SetuidCmd `cmd:"" help:"Install a setuid root shell under /data/local/tmp."`
	Doctor DoctorCmd `cmd:"" help:"Check the environment without patching anything."`
}

// KongOptions returns the Kong configuration options for the CLI.
func KongOptions() []kong.Option {
	return []kong.Option{
		kong.Name("emuroot"),
		kong.Description("Privilege elevation for Android emulator guests over the GDB stub."),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
		kong.Vars{
			"default_config_path": config.DefaultPath(),
		},
	}
}

// EffectiveConfig loads the config file and overlays the connection
// flags given on the command line.
func (c *CLI) EffectiveConfig() (config.Config, error) {
	cfg, err := config.Load(c.Config)
	if err != nil {
		return cfg, err
	}

	if c.Device != "" {
		cfg.Device.Serial = c.Device
	}
	if c.ADB != "" {
		cfg.Device.Server = c.ADB
	}
	if c.GDB != "" {
		cfg.Debug.Endpoint = c.GDB
	}
	if c.GDBPath != "" {
		cfg.Debug.GDBPath = c.GDBPath
	}
	if c.Timeout != 0 {
		if c.Timeout < time.Second {
			return cfg, fmt.Errorf("--timeout must be at least 1s, got %s", c.Timeout)
		}
		cfg.Debug.TimeoutSeconds = int(c.Timeout / time.Second)
	}
	if c.LogFormat != "" {
		cfg.Logging.Format = c.LogFormat
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Logger builds the run logger. The --log flag wins over EMUROOT_LOG
// (kong maps the variable onto the flag) and the config file.
func (c *CLI) Logger(cfg config.Config) (*slog.Logger, error) {
	format, err := logging.ParseFormat(cfg.Logging.Format)
	if err != nil {
		return nil, err
	}
	return logging.New(logging.Options{
		FlagSpec: c.Log,
		FileSpec: cfg.Logging.ToSpec(),
		Format:   format,
		Output:   os.Stderr,
	})
}
