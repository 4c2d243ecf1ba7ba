package cli

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	emuroot "github.com/NicolaiSoeborg/android-emuroot"
	"github.com/NicolaiSoeborg/android-emuroot/adb"
	"github.com/NicolaiSoeborg/android-emuroot/config"
	"github.com/NicolaiSoeborg/android-emuroot/gdb"
	"github.com/NicolaiSoeborg/android-emuroot/manager"
)

// Runtime wires the device shell, layout profile and workflow manager
// for one invocation.
type Runtime struct {
	Manager *manager.Manager
	Client  *adb.Client
	Device  *adb.Device
	Profile emuroot.KernelProfile
	Version emuroot.Version
	Config  config.Config
	Logger  *slog.Logger
}

// NewRuntime resolves the target's kernel profile over adb and builds
// the workflow manager with a GDB dialer bound to the configured
// endpoint. Fails when the device or its kernel version is not
// usable; the doctor command degrades instead.
func (c *CLI) NewRuntime(ctx context.Context) (*Runtime, error) {
	cfg, err := c.EffectiveConfig()
	if err != nil {
		return nil, err
	}
	logger, err := c.Logger(cfg)
	if err != nil {
		return nil, err
	}

	client := adb.NewClient(cfg.Device.Server, logger)
	device := client.Device(cfg.Device.Serial)

	release, err := device.Shell(ctx, "uname -r")
	if err != nil {
		return nil, fmt.Errorf("query kernel release: %w", err)
	}
	release = strings.TrimSpace(release)

	version, err := emuroot.ParseVersion(release)
	if err != nil {
		return nil, fmt.Errorf("kernel release %q: %w", release, err)
	}
	profile, err := emuroot.ResolveProfile(version)
	if err != nil {
		return nil, err
	}
	logger.Info("kernel profile resolved", "release", release, "profile", profile.Name)

	return &Runtime{
		Manager: manager.New(device, debugDialer(cfg, logger), profile, manager.Options{}, logger),
		Client:  client,
		Device:  device,
		Profile: profile,
		Version: version,
		Config:  cfg,
		Logger:  logger,
	}, nil
}

// debugDialer returns a dialer that attaches a fresh GDB session to
// the configured stub endpoint.
func debugDialer(cfg config.Config, logger *slog.Logger) manager.DebugDialer {
	return func(ctx context.Context) (emuroot.DebugSession, error) {
		return gdb.Connect(ctx, gdb.Options{
			Endpoint: cfg.Debug.Endpoint,
			GDBPath:  cfg.Debug.GDBPath,
			Timeout:  cfg.Debug.Timeout(),
			Logger:   logger,
		})
	}
}
