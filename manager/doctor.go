package manager

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"

	emuroot "github.com/NicolaiSoeborg/android-emuroot"
)

// Severity indicates the severity of a doctor finding.
type Severity int

const (
	SeverityOK Severity = iota
	SeverityWarning
	SeverityError
)

// String returns a human-readable label for the severity.
func (s Severity) String() string {
	switch s {
	case SeverityOK:
		return "OK"
	case SeverityWarning:
		return "WARNING"
	case SeverityError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Finding describes a single environment check result.
type Finding struct {
	Severity    Severity
	Category    string
	Description string
}

// DoctorReport contains the results of an environment check.
type DoctorReport struct {
	Findings []Finding
}

// HasErrors returns true if any finding has error severity.
func (r DoctorReport) HasErrors() bool {
	for _, f := range r.Findings {
		if f.Severity == SeverityError {
			return true
		}
	}
	return false
}

// HasWarnings returns true if any finding has warning severity.
func (r DoctorReport) HasWarnings() bool {
	for _, f := range r.Findings {
		if f.Severity == SeverityWarning {
			return true
		}
	}
	return false
}

// Doctor checks that the environment is ready for an elevation run:
// the device shell answers, adbd is running, no stale staging
// leftovers linger, the kernel version matches the configured profile
// and the debug channel responds. The debug probe attaches briefly,
// reads one word and detaches, so the guest stalls for a moment.
func (m *Manager) Doctor(ctx context.Context) (DoctorReport, error) {
	var report DoctorReport
	logger := m.logger.With("run", uuid.NewString(), "mode", "doctor")
	logger.Info("running environment checks")

	// Phase 1: device shell.

	idOut, err := m.shell.Shell(ctx, "id")
	if err != nil {
		report.Findings = append(report.Findings, Finding{
			Severity:    SeverityError,
			Category:    "device",
			Description: fmt.Sprintf("device shell unreachable: %v", err),
		})
		return report, ctx.Err()
	}
	if strings.Contains(idOut, "uid=0(") {
		report.Findings = append(report.Findings, Finding{
			Severity:    SeverityWarning,
			Category:    "device",
			Description: "shell already runs as root; elevation may be redundant",
		})
	}

	// Phase 2: process list.

	psOut, err := m.shell.Shell(ctx, m.profile.PSCommand)
	if err != nil {
		report.Findings = append(report.Findings, Finding{
			Severity:    SeverityError,
			Category:    "process-list",
			Description: fmt.Sprintf("cannot list processes: %v", err),
		})
	} else {
		if !strings.Contains(psOut, adbdName) {
			report.Findings = append(report.Findings, Finding{
				Severity:    SeverityError,
				Category:    "process-list",
				Description: "adbd not in process list; staged elevation cannot resolve its ancestor chain",
			})
		}
		if strings.Contains(psOut, stagerName) {
			report.Findings = append(report.Findings, Finding{
				Severity:    SeverityWarning,
				Category:    "process-list",
				Description: "a stager from an earlier run is still running",
			})
		}
	}

	// Phase 3: staging leftovers.

	if lsOut, err := m.shell.Shell(ctx, "ls "+stagerTmpDir); err == nil {
		files := strings.Fields(lsOut)
		for _, leftover := range []string{"load.sh", "STAGER"} {
			if slices.Contains(files, leftover) {
				report.Findings = append(report.Findings, Finding{
					Severity:    SeverityWarning,
					Category:    "staging",
					Description: fmt.Sprintf("stale staged file: %s/%s", stagerTmpDir, leftover),
				})
			}
		}
	} else {
		logger.Warn("cannot list staging directory", "err", err)
	}

	// Phase 4: kernel version vs profile.

	if unameOut, err := m.shell.Shell(ctx, "uname -r"); err != nil {
		report.Findings = append(report.Findings, Finding{
			Severity:    SeverityWarning,
			Category:    "kernel-version",
			Description: fmt.Sprintf("kernel version unavailable: %v", err),
		})
	} else if version, err := emuroot.ParseVersion(strings.TrimSpace(unameOut)); err != nil {
		report.Findings = append(report.Findings, Finding{
			Severity:    SeverityWarning,
			Category:    "kernel-version",
			Description: fmt.Sprintf("unparseable kernel release %q: %v", strings.TrimSpace(unameOut), err),
		})
	} else if resolved, err := emuroot.ResolveProfile(version); err != nil {
		report.Findings = append(report.Findings, Finding{
			Severity:    SeverityError,
			Category:    "kernel-version",
			Description: fmt.Sprintf("no layout profile covers kernel %s", version),
		})
	} else if resolved.Name != m.profile.Name {
		report.Findings = append(report.Findings, Finding{
			Severity:    SeverityWarning,
			Category:    "kernel-version",
			Description: fmt.Sprintf("kernel %s resolves to profile %s, but %s is configured", version, resolved.Name, m.profile.Name),
		})
	}

	// Phase 5: debug channel.

	session, err := m.dial(ctx)
	if err != nil {
		report.Findings = append(report.Findings, Finding{
			Severity:    SeverityError,
			Category:    "debug",
			Description: fmt.Sprintf("debug channel unreachable: %v", err),
		})
		return report, ctx.Err()
	}
	word, readErr := session.ReadWord(ctx, m.profile.SELinuxFlags[0])
	if err := session.Close(); err != nil {
		logger.Warn("debug probe close failed", "err", err)
	}
	if readErr != nil {
		report.Findings = append(report.Findings, Finding{
			Severity:    SeverityError,
			Category:    "debug",
			Description: fmt.Sprintf("cannot read enforcement flag: %v", readErr),
		})
	} else if word == 0 {
		report.Findings = append(report.Findings, Finding{
			Severity:    SeverityWarning,
			Category:    "debug",
			Description: "enforcement already off; a previous elevation may still be active",
		})
	}

	logger.Info("environment checks finished", "findings", len(report.Findings))
	return report, ctx.Err()
}
