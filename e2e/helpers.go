//go:build e2e

package e2e

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	emuroot "github.com/NicolaiSoeborg/android-emuroot"
	"github.com/NicolaiSoeborg/android-emuroot/adb"
	"github.com/NicolaiSoeborg/android-emuroot/gdb"
	"github.com/NicolaiSoeborg/android-emuroot/logging"
	"github.com/NicolaiSoeborg/android-emuroot/manager"
)

// Environment variables consumed by the suite:
//
//	EMUROOT_E2E_DEVICE   serial of the emulator under test (required)
//	EMUROOT_E2E_ADB      adb server address (default 127.0.0.1:5037)
//	EMUROOT_E2E_GDB      GDB stub endpoint (default localhost:1234)
//	EMUROOT_E2E_GDB_PATH gdb binary (default "gdb")
//	EMUROOT_E2E_MUTATE   set to 1 to enable tests that patch the guest
//	EMUROOT_LOG          log spec, e.g. "debug" or "info,gdb=trace"
const (
	envDevice  = "EMUROOT_E2E_DEVICE"
	envADB     = "EMUROOT_E2E_ADB"
	envGDB     = "EMUROOT_E2E_GDB"
	envGDBPath = "EMUROOT_E2E_GDB_PATH"
	envMutate  = "EMUROOT_E2E_MUTATE"
)

// The memory sweep on a real image takes well over the default
// transport deadline.
const sweepTimeout = 5 * time.Minute

// TestEnv wires the suite to one running emulator. The GDB stub
// accepts a single client and attaching freezes the guest, so tests
// never run in parallel.
type TestEnv struct {
	T       *testing.T
	Serial  string
	Client  *adb.Client
	Device  *adb.Device
	Profile emuroot.KernelProfile
	Manager *manager.Manager
	logger  *slog.Logger
}

// NewTestEnv connects to the adb server, resolves the kernel profile
// from the running image and builds a manager against the GDB stub.
func NewTestEnv(t *testing.T) *TestEnv {
	t.Helper()
	ctx := context.Background()

	logger := testLogger(t)
	client := adb.NewClient(envOr(envADB, "127.0.0.1:5037"), logger)

	if _, err := client.ServerVersion(ctx); err != nil {
		t.Fatalf("adb server not reachable: %v", err)
	}

	serial := os.Getenv(envDevice)
	device := client.Device(serial)

	release, err := device.Shell(ctx, "uname -r")
	require.NoError(t, err, "query kernel release")

	version, err := emuroot.ParseVersion(strings.TrimSpace(release))
	require.NoError(t, err, "parse kernel release")

	profile, err := emuroot.ResolveProfile(version)
	require.NoError(t, err, "no layout profile for kernel %s", version)

	mgr := manager.New(device, dialStub(logger), profile, manager.Options{}, logger)

	return &TestEnv{
		T:       t,
		Serial:  serial,
		Client:  client,
		Device:  device,
		Profile: profile,
		Manager: mgr,
		logger:  logger,
	}
}

// DialDebug opens a debug session against the stub and registers its
// release. The guest stays frozen until the session closes.
func (e *TestEnv) DialDebug(ctx context.Context) emuroot.DebugSession {
	e.T.Helper()

	session, err := dialStub(e.logger)(ctx)
	require.NoError(e.T, err, "connect to GDB stub")

	e.T.Cleanup(func() {
		session.Close()
	})
	return session
}

// RequireMutableDevice skips tests that permanently alter guest
// credentials unless explicitly enabled.
func RequireMutableDevice(t *testing.T) {
	t.Helper()
	if os.Getenv(envMutate) != "1" {
		t.Skipf("test patches guest kernel memory; set %s=1 to run", envMutate)
	}
}

func dialStub(logger *slog.Logger) manager.DebugDialer {
	return func(ctx context.Context) (emuroot.DebugSession, error) {
		return gdb.Connect(ctx, gdb.Options{
			Endpoint: envOr(envGDB, "localhost:1234"),
			GDBPath:  envOr(envGDBPath, "gdb"),
			Timeout:  sweepTimeout,
			Logger:   logger,
		})
	}
}

// testLogger honours EMUROOT_LOG; without a spec only errors surface.
func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	if spec := os.Getenv(logging.EnvVar); spec != "" {
		logger, err := logging.New(logging.Options{
			EnvSpec: spec,
			Format:  logging.FormatText,
			Output:  os.Stderr,
		})
		if err != nil {
			t.Fatalf("invalid %s spec: %v", logging.EnvVar, err)
		}
		return logger
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
