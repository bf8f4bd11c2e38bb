package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"strings"
	"time"
)

// CommandRunner defines an interface for executing system commands
type CommandRunner interface {
	// RunCommand runs args[0] with args[1:] and blocks until it exits or ctx
	// is done. A non-zero exit is reported through exitCode, not err.
	RunCommand(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) (exitCode int, err error)
}

// commandWaitDelay bounds how long RunCommand waits for output pipes after
// the process was killed
const commandWaitDelay = 2 * time.Second

// RealCommandRunner implements CommandRunner using actual exec commands
type RealCommandRunner struct{}

// RunCommand executes the given command with arguments
func (RealCommandRunner) RunCommand(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) (int, error) {
	if len(args) < 1 {
		return 0, fmt.Errorf("no command provided")
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...) //nolint:gosec // arguments are built by the backends
	cmd.Stdin = stdin
	cmd.Stdout = writerOrDiscard(stdout)
	cmd.Stderr = writerOrDiscard(stderr)
	cmd.WaitDelay = commandWaitDelay

	err := cmd.Run()
	if ctx.Err() != nil {
		return -1, ctx.Err()
	}
	if err != nil {
		var exitError *exec.ExitError
		if errors.As(err, &exitError) {
			return exitError.ExitCode(), nil
		}
		return -1, err
	}

	return 0, nil
}

// runOutput runs a short management command and returns its trimmed stdout.
// A non-zero exit is an error carrying the command's stderr.
func runOutput(ctx context.Context, runner CommandRunner, args ...string) (string, error) {
	var stdout, stderr bytes.Buffer
	code, err := runner.RunCommand(ctx, args, nil, &stdout, &stderr)
	if err != nil {
		return "", fmt.Errorf("%s %s: %w", args[0], args[1], err)
	}
	if code != 0 {
		return "", fmt.Errorf("%s %s exited with %d: %s", args[0], args[1], code, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

// FileSystem defines an interface for file system operations
type FileSystem interface {
	MkdirTemp(dir, pattern string) (string, error)
	WriteFile(filename string, data []byte, perm os.FileMode) error
	ReadDir(name string) ([]fs.DirEntry, error)
	RemoveAll(path string) error
}

// RealFileSystem implements FileSystem using actual file system operations
type RealFileSystem struct{}

func (RealFileSystem) MkdirTemp(dir, pattern string) (string, error) {
	return os.MkdirTemp(dir, pattern)
}

func (RealFileSystem) WriteFile(filename string, data []byte, perm os.FileMode) error {
	return os.WriteFile(filename, data, perm)
}

func (RealFileSystem) ReadDir(name string) ([]fs.DirEntry, error) {
	return os.ReadDir(name)
}

func (RealFileSystem) RemoveAll(path string) error {
	return os.RemoveAll(path)
}

// File permission constants
const (
	DirPermission  = 0o755
	FilePermission = 0o644
)

// shellQuote quotes s for POSIX sh
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// shellCommand wraps command so that it reads stdin from the staged file,
// or from /dev/null when there is none. The newline keeps a trailing
// comment in command from swallowing the closing brace.
func shellCommand(command, stdinFile string) string {
	stdin := "/dev/null"
	if stdinFile != "" {
		stdin = WorkDir + "/" + stdinFile
	}
	return fmt.Sprintf("{ %s\n} < %s", command, shellQuote(stdin))
}
