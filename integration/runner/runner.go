package runner

import (
	"context"
	"io"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
)

const binary = "rdss-dataverse-ingest"

type Runner struct {
	command    string
	configFile string
	dir        string
	args       []string
	env        []string
}

// Available reports whether the binary can be found in PATH.
func Available() bool {
	_, err := exec.LookPath(binary)
	return err == nil
}

func Import(args ...string) *Runner {
	return &Runner{command: "import", args: args}
}

func Server(args ...string) *Runner {
	return &Runner{command: "server", args: args}
}

func (b *Runner) WithEnv(env []string) *Runner {
	b.env = env
	return b
}

func (b *Runner) WithConfig(path string) *Runner {
	b.configFile = path
	return b
}

func (b *Runner) Run(t *testing.T) error {
	t.Helper()

	cmd := b.exec(context.Background())

	start := time.Now()
	if err := cmd.Run(); err != nil {
		return errors.Wrapf(err, "%s %s", binary, b.command)
	}

	t.Log("Ran in ", time.Since(start))
	return nil
}

func (b *Runner) RunBackground(t *testing.T) context.CancelFunc {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	cmd := b.exec(ctx)

	if err := cmd.Start(); err != nil {
		t.Fatalf("%s %s: %v", binary, b.command, err)
	}

	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()

	return func() {
		cancel()
		<-done
	}
}

func (b *Runner) RunOrFail(t *testing.T) {
	t.Helper()
	if err := b.Run(t); err != nil {
		t.Fatal(err)
	}
}

func (b *Runner) exec(ctx context.Context) *exec.Cmd {
	args := []string{b.command}
	if b.configFile != "" {
		args = append(args, "--config", b.configFile)
	}
	args = append(args, b.args...)

	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Env = append(removeAppEnvs(os.Environ()), b.env...)
	if b.dir != "" {
		cmd.Dir = b.dir
	}

	// A command left running after a test timeout would keep os.Stdout and
	// os.Stderr open and hang go test, see golang/go#23019.
	cmd.Stdout = struct{ io.Writer }{os.Stdout}
	cmd.Stderr = struct{ io.Writer }{os.Stderr}

	return cmd
}

func removeAppEnvs(env []string) []string {
	var clean []string

	for _, value := range env {
		if !strings.HasPrefix(value, "RDSS_DATAVERSE_INGEST_") {
			clean = append(clean, value)
		}
	}

	return clean
}
