package cli

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	emuroot "github.com/NicolaiSoeborg/android-emuroot"
	"github.com/NicolaiSoeborg/android-emuroot/adb"
	"github.com/NicolaiSoeborg/android-emuroot/manager"
)

// DoctorCmd checks connectivity and environment state end to end:
// adb server, device presence, debugger binary, then the manager's
// on-device checks. Reads one word over the debug channel but never
// writes.
type DoctorCmd struct{}

// Run executes the doctor command.
func (c *DoctorCmd) Run(cli *CLI) error {
	ctx := context.Background()

	cfg, err := cli.EffectiveConfig()
	if err != nil {
		return err
	}
	logger, err := cli.Logger(cfg)
	if err != nil {
		return err
	}

	var findings []manager.Finding

	client := adb.NewClient(cfg.Device.Server, logger)
	serverVersion, err := client.ServerVersion(ctx)
	if err != nil {
		findings = append(findings, manager.Finding{
			Severity:    manager.SeverityError,
			Category:    "adb-server",
			Description: fmt.Sprintf("adb server unreachable at %s: %v", cfg.Device.Server, err),
		})
		return printFindings(findings)
	}
	logger.Debug("adb server reachable", "version", serverVersion)

	devicePresent := false
	devices, err := client.Devices(ctx)
	if err != nil {
		findings = append(findings, manager.Finding{
			Severity:    manager.SeverityError,
			Category:    "adb-device",
			Description: fmt.Sprintf("cannot list devices: %v", err),
		})
	} else {
		for _, d := range devices {
			if d.Serial != cfg.Device.Serial {
				continue
			}
			devicePresent = true
			if d.State != "device" {
				findings = append(findings, manager.Finding{
					Severity:    manager.SeverityWarning,
					Category:    "adb-device",
					Description: fmt.Sprintf("device %s is in state %q", d.Serial, d.State),
				})
			}
		}
		if !devicePresent {
			findings = append(findings, manager.Finding{
				Severity:    manager.SeverityError,
				Category:    "adb-device",
				Description: fmt.Sprintf("device %s not connected", cfg.Device.Serial),
			})
		}
	}

	if _, err := exec.LookPath(cfg.Debug.GDBPath); err != nil {
		findings = append(findings, manager.Finding{
			Severity:    manager.SeverityError,
			Category:    "debugger",
			Description: fmt.Sprintf("gdb binary %q not found: %v", cfg.Debug.GDBPath, err),
		})
	}

	if devicePresent {
		device := client.Device(cfg.Device.Serial)
		profile, finding := resolveDoctorProfile(ctx, device)
		if finding != nil {
			findings = append(findings, *finding)
		} else {
			mgr := manager.New(device, debugDialer(cfg, logger), profile, manager.Options{}, logger)
			report, err := mgr.Doctor(ctx)
			if err != nil {
				return err
			}
			findings = append(findings, report.Findings...)
		}
	}

	return printFindings(findings)
}

// resolveDoctorProfile resolves the device's layout profile, turning
// each failure mode into a finding instead of aborting the doctor.
func resolveDoctorProfile(ctx context.Context, device *adb.Device) (emuroot.KernelProfile, *manager.Finding) {
	release, err := device.Shell(ctx, "uname -r")
	if err != nil {
		return emuroot.KernelProfile{}, &manager.Finding{
			Severity:    manager.SeverityError,
			Category:    "kernel-version",
			Description: fmt.Sprintf("cannot query kernel release: %v", err),
		}
	}
	release = strings.TrimSpace(release)

	version, err := emuroot.ParseVersion(release)
	if err != nil {
		return emuroot.KernelProfile{}, &manager.Finding{
			Severity:    manager.SeverityError,
			Category:    "kernel-version",
			Description: fmt.Sprintf("unparseable kernel release %q: %v", release, err),
		}
	}
	profile, err := emuroot.ResolveProfile(version)
	if err != nil {
		return emuroot.KernelProfile{}, &manager.Finding{
			Severity:    manager.SeverityError,
			Category:    "kernel-version",
			Description: fmt.Sprintf("no layout profile covers kernel %s", version),
		}
	}
	return profile, nil
}

func printFindings(findings []manager.Finding) error {
	if len(findings) == 0 {
		fmt.Println("All checks passed. Device, kernel profile and debug channel are ready.")
		return nil
	}

	var errorCount, warningCount int
	lastHeading := ""

	for _, f := range findings {
		heading := categoryHeading(f.Category)
		if heading != lastHeading {
			if lastHeading != "" {
				fmt.Println()
			}
			fmt.Println(heading)
			lastHeading = heading
		}
		fmt.Printf("  %-7s  %s\n", f.Severity, f.Description)
		switch f.Severity {
		case manager.SeverityError:
			errorCount++
		case manager.SeverityWarning:
			warningCount++
		}
	}

	fmt.Printf("\nSummary: %d error(s), %d warning(s)\n", errorCount, warningCount)

	if errorCount > 0 {
		return fmt.Errorf("environment not ready")
	}
	return nil
}

func categoryHeading(cat string) string {
	switch cat {
	case "adb-server":
		return "Checking adb server..."
	case "adb-device":
		return "Checking device presence..."
	case "debugger":
		return "Checking debugger binary..."
	case "device":
		return "Checking device shell..."
	case "process-list":
		return "Checking processes..."
	case "staging":
		return "Checking staging directory..."
	case "kernel-version":
		return "Checking kernel version..."
	case "debug":
		return "Checking debug channel..."
	default:
		return cat
	}
}
