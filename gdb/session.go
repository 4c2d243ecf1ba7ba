// Package gdb drives a gdb subprocess in MI mode against the
// emulator's remote debug stub and exposes guest kernel memory as
// word-level reads, writes and searches.
package gdb

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	emuroot "github.com/NicolaiSoeborg/android-emuroot"
	"github.com/NicolaiSoeborg/android-emuroot/logging"
)

// Options configure Connect.
type Options struct {
	// Endpoint is the stub's host:port. The emulator listens on
	// localhost:1234 when started with "-qemu -s".
	Endpoint string
	// GDBPath names the gdb binary. Empty means "gdb" on PATH.
	GDBPath string
	// Timeout bounds the connect handshake and memory searches.
	// Defaults to 60 seconds. Word-sized reads and writes use a
	// short fixed deadline instead.
	Timeout time.Duration
	// Logger receives transport logs. Defaults to logging.Default.
	Logger *slog.Logger
}

// Session is a live connection to the stub. All commands go through
// one gdb process; a mutex serializes them, so a Session is safe for
// concurrent use.
type Session struct {
	cmd         *exec.Cmd
	stdin       io.WriteCloser
	records     <-chan record
	logger      *slog.Logger
	timeout     time.Duration
	wordTimeout time.Duration

	mu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

var _ emuroot.DebugSession = (*Session)(nil)

// Connect launches gdb, attaches it to the stub at opts.Endpoint and
// waits for the remote confirmation. The caller owns the returned
// session and must Close it.
func Connect(ctx context.Context, opts Options) (*Session, error) {
	path := opts.GDBPath
	if path == "" {
		path = "gdb"
	}

	cmd := exec.Command(path, "--interpreter=mi2", "--quiet", "--nx")
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("pipe gdb stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("pipe gdb stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("pipe gdb stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", path, err)
	}

	s := newSession(stdin, stdout, opts)
	s.cmd = cmd
	s.logger.Debug("gdb started", "path", path, "pid", cmd.Process.Pid)

	go func() {
		sc := bufio.NewScanner(stderr)
		for sc.Scan() {
			s.trace(context.Background(), "gdb stderr", "line", sc.Text())
		}
	}()

	// gdb prints a startup block ending in its first prompt before
	// accepting commands.
	if err := s.awaitPrompt(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("connect %s: no gdb prompt: %v: %w", opts.Endpoint, err, emuroot.ErrDebugUnreachable)
	}
	if err := s.handshake(ctx, opts.Endpoint); err != nil {
		_ = s.Close()
		return nil, err
	}

	s.logger.Debug("connected to debug stub", "endpoint", opts.Endpoint)
	return s, nil
}

// newSession wires a session over raw pipes. Connect attaches the
// process afterwards; tests drive the pipes directly.
func newSession(stdin io.WriteCloser, stdout io.Reader, opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	records := make(chan record, 256)
	go func() {
		sc := bufio.NewScanner(stdout)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			line := sc.Text()
			if strings.TrimSpace(line) == "" {
				continue
			}
			records <- parseRecord(line)
		}
		close(records)
	}()

	return &Session{
		stdin:       stdin,
		records:     records,
		logger:      logger.With("component", "gdb"),
		timeout:     timeout,
		wordTimeout: 2 * time.Second,
	}
}

// ReadWord returns the 32-bit word at addr.
func (s *Session) ReadWord(ctx context.Context, addr emuroot.Address) (uint32, error) {
	recs, err := s.run(ctx, "x/xw "+addr.String(), s.wordTimeout)
	if err != nil {
		return 0, fmt.Errorf("read word at %s: %w", addr, err)
	}
	if rec, ok := resultOf(recs); ok && rec.class == "error" {
		// The stub answered but refused the read; the response is
		// unusable, so let the caller's retry policy decide.
		return 0, fmt.Errorf("read word at %s: gdb reported %q: %w", addr, rec.msg, emuroot.ErrDebugMalformed)
	}

	payload, ok := firstConsole(recs)
	if !ok {
		return 0, fmt.Errorf("read word at %s: no value in response: %w", addr, emuroot.ErrDebugMalformed)
	}
	word, err := parseWordPayload(payload)
	if err != nil {
		return 0, fmt.Errorf("read word at %s: %v: %w", addr, err, emuroot.ErrDebugMalformed)
	}

	s.trace(ctx, "read word", "addr", addr.String(), "value", fmt.Sprintf("%#08x", word))
	return word, nil
}

// WriteWord stores value at addr.
func (s *Session) WriteWord(ctx context.Context, addr emuroot.Address, value uint32) error {
	cmd := fmt.Sprintf("set *(unsigned int*)(%s) = %#x", addr, value)
	recs, err := s.run(ctx, cmd, s.wordTimeout)
	if err != nil {
		return fmt.Errorf("write word at %s: %w", addr, err)
	}
	if rec, ok := resultOf(recs); !ok {
		return fmt.Errorf("write word at %s: no result in response: %w", addr, emuroot.ErrDebugMalformed)
	} else if rec.class == "error" {
		return fmt.Errorf("write word at %s: gdb reported %q", addr, rec.msg)
	}

	s.trace(ctx, "wrote word", "addr", addr.String(), "value", fmt.Sprintf("%#08x", value))
	return nil
}

// ReadCString returns the NUL-terminated string at addr as gdb prints
// it. The value keeps gdb's surrounding double quotes; callers strip
// them.
func (s *Session) ReadCString(ctx context.Context, addr emuroot.Address) (string, error) {
	recs, err := s.run(ctx, "x/s "+addr.String(), s.wordTimeout)
	if err != nil {
		return "", fmt.Errorf("read string at %s: %w", addr, err)
	}
	if rec, ok := resultOf(recs); ok && rec.class == "error" {
		return "", fmt.Errorf("read string at %s: gdb reported %q: %w", addr, rec.msg, emuroot.ErrDebugMalformed)
	}

	payload, ok := firstConsole(recs)
	if !ok {
		return "", fmt.Errorf("read string at %s: no value in response: %w", addr, emuroot.ErrDebugMalformed)
	}
	idx := strings.LastIndexByte(payload, '\t')
	if idx < 0 {
		return "", fmt.Errorf("read string at %s: no value in %q: %w", addr, payload, emuroot.ErrDebugMalformed)
	}

	value := strings.TrimSpace(payload[idx+1:])
	s.trace(ctx, "read string", "addr", addr.String(), "value", value)
	return value, nil
}

// SearchBytes scans length bytes from start for pattern and returns
// the match addresses, lowest first. A search over the full kernel
// window takes a while; it runs under the session's long timeout.
func (s *Session) SearchBytes(ctx context.Context, start emuroot.Address, length uint32, pattern string) ([]emuroot.Address, error) {
	cmd := fmt.Sprintf("find %s, +%#x, %q", start, length, pattern)
	recs, err := s.run(ctx, cmd, s.timeout)
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", pattern, err)
	}
	if rec, ok := resultOf(recs); ok && rec.class == "error" {
		return nil, fmt.Errorf("search %q: gdb reported %q", pattern, rec.msg)
	}

	var matches []emuroot.Address
	for _, rec := range recs {
		if rec.kind != recordConsole {
			continue
		}
		text := strings.TrimSpace(rec.text)
		if !strings.HasPrefix(text, "0x") {
			// Trailing "N patterns found." summary line.
			continue
		}
		// Symbol annotations follow the address on separate tokens.
		addrText, _, _ := strings.Cut(text, " ")
		value, err := strconv.ParseUint(strings.TrimPrefix(addrText, "0x"), 16, 32)
		if err != nil {
			return nil, fmt.Errorf("search %q: bad match %q: %w", pattern, text, emuroot.ErrDebugMalformed)
		}
		matches = append(matches, emuroot.Address(value))
	}

	s.logger.Debug("memory search finished", "pattern", pattern, "matches", len(matches))
	return matches, nil
}

// Close exits gdb and reaps the process. Safe to call more than once
// and after a failed handshake.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		_, _ = io.WriteString(s.stdin, "-gdb-exit\n")
		err := s.stdin.Close()
		s.mu.Unlock()

		if s.cmd == nil {
			s.closeErr = err
			return
		}

		done := make(chan error, 1)
		go func() { done <- s.cmd.Wait() }()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			_ = s.cmd.Process.Kill()
			<-done
		}
		s.logger.Debug("gdb session closed")
	})
	return s.closeErr
}

// handshake attaches gdb to the stub and checks for the "Remote
// debugging" confirmation. The startup prompt must have been consumed
// already.
func (s *Session) handshake(ctx context.Context, endpoint string) error {
	recs, err := s.run(ctx, "target remote "+endpoint, s.timeout)
	if err != nil {
		return fmt.Errorf("connect %s: %v: %w", endpoint, err, emuroot.ErrDebugUnreachable)
	}
	if rec, ok := resultOf(recs); ok && rec.class == "error" {
		return fmt.Errorf("connect %s: gdb reported %q: %w", endpoint, rec.msg, emuroot.ErrDebugUnreachable)
	}
	for _, rec := range recs {
		if (rec.kind == recordConsole || rec.kind == recordLog) && strings.Contains(rec.text, "Remote debugging") {
			return nil
		}
	}
	return fmt.Errorf("connect %s: no remote confirmation: %w", endpoint, emuroot.ErrDebugUnreachable)
}

// run issues one command and collects its output block up to the
// terminating prompt.
func (s *Session) run(ctx context.Context, command string, timeout time.Duration) ([]record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Discard anything still queued from an earlier block.
	for {
		select {
		case <-s.records:
			continue
		default:
		}
		break
	}

	s.trace(ctx, "issuing command", "command", command)
	if _, err := io.WriteString(s.stdin, command+"\n"); err != nil {
		return nil, fmt.Errorf("send command: %v: %w", err, emuroot.ErrDebugUnreachable)
	}

	return s.collect(ctx, timeout)
}

// awaitPrompt drains records until the next prompt without issuing a
// command.
func (s *Session) awaitPrompt(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.collect(ctx, s.timeout)
	return err
}

func (s *Session) collect(ctx context.Context, timeout time.Duration) ([]record, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	var recs []record
	malformed := false
	for {
		select {
		case rec, ok := <-s.records:
			if !ok {
				return recs, fmt.Errorf("gdb exited: %w", emuroot.ErrDebugUnreachable)
			}
			switch rec.kind {
			case recordPrompt:
				if malformed {
					return recs, emuroot.ErrDebugMalformed
				}
				return recs, nil
			case recordMalformed:
				// Finish draining the block before reporting.
				s.logger.Warn("unparseable gdb output", "line", rec.text)
				malformed = true
			default:
				recs = append(recs, rec)
			}
		case <-deadline.C:
			return recs, emuroot.ErrDebugTimeout
		case <-ctx.Done():
			return recs, ctx.Err()
		}
	}
}

func (s *Session) trace(ctx context.Context, msg string, args ...any) {
	s.logger.Log(ctx, logging.LevelTrace.ToSlog(), msg, args...)
}

// firstConsole returns the first console payload in a block; command
// echoes arrive on the log stream, so the console stream holds only
// output.
func firstConsole(recs []record) (string, bool) {
	for _, rec := range recs {
		if rec.kind == recordConsole {
			return rec.text, true
		}
	}
	return "", false
}

func resultOf(recs []record) (record, bool) {
	for _, rec := range recs {
		if rec.kind == recordResult {
			return rec, true
		}
	}
	return record{}, false
}

// parseWordPayload extracts the value from an x/xw console line such
// as "0xc0a77548 <selinux_enforcing>:\t0x00000001\n".
func parseWordPayload(payload string) (uint32, error) {
	idx := strings.LastIndexByte(payload, '\t')
	if idx < 0 {
		return 0, fmt.Errorf("no value in %q", payload)
	}
	value := strings.TrimSpace(payload[idx+1:])
	if !strings.HasPrefix(value, "0x") {
		return 0, fmt.Errorf("no hex word in %q", payload)
	}
	word, err := strconv.ParseUint(value[2:], 16, 32)
	if err != nil {
		return 0, fmt.Errorf("bad hex word %q", value)
	}
	return uint32(word), nil
}
