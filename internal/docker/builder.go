// Package docker builds container images with the Docker CLI. A failed
// build is an outcome, not an error: callers receive a Result either way
// and decide what to do with it.
package docker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/coderd/internal/logging"
)

// ImageTag derives the tag for a run's image. An empty directory means the
// run has no build target and yields no tag. The repository prefix is
// optional.
func ImageTag(repo, directory string) string {
	if directory == "" {
		return ""
	}
	if repo == "" {
		return directory
	}
	return repo + "/" + directory
}

// Result is the terminal outcome of a build.
type Result struct {
	Success bool
	Message string
}

// Builder builds an image from the Dockerfile in dir, tagged with tag.
// Build output lines are streamed to logf as they arrive. Build never
// fails as an operation; the outcome is carried in the Result.
type Builder interface {
	Build(ctx context.Context, tag, dir string, logf func(line string)) Result
}

// CLIBuilder implements Builder over the docker command-line client.
type CLIBuilder struct {
	logger *logging.Logger
}

// NewCLIBuilder creates a CLIBuilder. logger may be nil.
func NewCLIBuilder(logger *logging.Logger) *CLIBuilder {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &CLIBuilder{logger: logger.Named("docker")}
}

// Build runs docker build -t tag . with dir as the working directory,
// streaming the combined stdout and stderr of the build line by line.
func (b *CLIBuilder) Build(ctx context.Context, tag, dir string, logf func(line string)) Result {
	cmd := exec.CommandContext(ctx, "docker", "build", "-t", tag, ".")
	cmd.Dir = dir

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		b.logger.Warn(ctx, "docker build could not start",
			zap.String("tag", tag), zap.Error(err))
		return Result{Success: false, Message: "Error building image: " + err.Error()}
	}

	done := make(chan error, 1)
	go func() {
		// Wait returns only after the output copies into pw complete, so
		// closing pw here ends the scan below cleanly.
		done <- cmd.Wait()
		_ = pw.Close()
	}()

	scanner := bufio.NewScanner(pr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			logf(line)
		}
	}

	err := <-done
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return Result{Success: false,
				Message: fmt.Sprintf("Build failed with exit code: %d", exitErr.ExitCode())}
		}
		return Result{Success: false, Message: "Error building image: " + err.Error()}
	}

	b.logger.Info(ctx, "image built", zap.String("tag", tag), zap.String("dir", dir))
	return Result{Success: true, Message: "Successfully built image: " + tag}
}
