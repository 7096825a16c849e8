// Package verify compiles generated backend source inside a container and
// returns the compiler-emitted interface description.
package verify

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"apex-codegen/internal/extraction"
	"apex-codegen/internal/logging"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	workDir        = "/src"
	maxOutputBytes = 1 << 20
)

var (
	// ErrNoEntryPoint is returned when no backend file can be compiled.
	ErrNoEntryPoint = errors.New("no backend entry point to compile")
	// ErrCompileFailed wraps a non-zero compiler exit.
	ErrCompileFailed = errors.New("interface compilation failed")
)

// Config configures a DockerVerifier.
type Config struct {
	Image   string
	Timeout time.Duration
}

// RunSpec is one compiler invocation.
type RunSpec struct {
	Image   string
	Cmd     []string
	WorkDir string
	Archive []byte
}

// RunResult is the outcome of a RunSpec.
type RunResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
}

// Runtime runs a RunSpec to completion.
type Runtime interface {
	Run(ctx context.Context, spec RunSpec) (*RunResult, error)
	Close() error
}

// DockerVerifier produces a verified interface description by running the
// compiler in a throwaway container.
type DockerVerifier struct {
	runtime Runtime
	cfg     Config
}

// NewDockerVerifier connects to the Docker daemon from the environment.
func NewDockerVerifier(cfg Config) (*DockerVerifier, error) {
	rt, err := NewDockerRuntime()
	if err != nil {
		return nil, err
	}
	return NewVerifier(rt, cfg), nil
}

// NewVerifier creates a verifier over any runtime.
func NewVerifier(rt Runtime, cfg Config) *DockerVerifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	return &DockerVerifier{runtime: rt, cfg: cfg}
}

// Verify compiles the backend entry point of files and returns the
// interface text printed by the compiler.
func (v *DockerVerifier) Verify(ctx context.Context, files *extraction.FileSet) (string, error) {
	backend := extraction.BackendFiles(files)
	entry := extraction.EntryPoint(backend)
	if entry == "" {
		return "", ErrNoEntryPoint
	}

	archive, err := buildArchive(backend)
	if err != nil {
		return "", fmt.Errorf("build source archive: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, v.cfg.Timeout)
	defer cancel()

	res, err := v.runtime.Run(ctx, RunSpec{
		Image:   v.cfg.Image,
		Cmd:     []string{"sh", "-c", fmt.Sprintf("moc --idl %q -o /tmp/out.did && cat /tmp/out.did", entry)},
		WorkDir: workDir,
		Archive: archive,
	})
	if err != nil {
		return "", fmt.Errorf("run compiler: %w", err)
	}
	if res.TimedOut {
		return "", fmt.Errorf("%w: timed out after %s", ErrCompileFailed, v.cfg.Timeout)
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("%w: exit %d: %s", ErrCompileFailed, res.ExitCode, firstLine(res.Stderr))
	}

	out := strings.TrimSpace(res.Stdout)
	if out == "" {
		return "", fmt.Errorf("%w: empty interface output", ErrCompileFailed)
	}
	return out, nil
}

// Close releases the runtime.
func (v *DockerVerifier) Close() error {
	return v.runtime.Close()
}

func buildArchive(files *extraction.FileSet) ([]byte, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, f := range files.Files() {
		hdr := &tar.Header{
			Name:    f.Path,
			Mode:    0o644,
			Size:    int64(len(f.Content)),
			ModTime: time.Unix(0, 0),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, err
		}
		if _, err := io.WriteString(tw, f.Content); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// DockerRuntime runs specs with the Docker SDK.
type DockerRuntime struct {
	client *client.Client
}

// NewDockerRuntime creates a runtime from DOCKER_HOST and friends.
func NewDockerRuntime() (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker sdk client init failed: %w", err)
	}
	return &DockerRuntime{client: cli}, nil
}

// Run implements Runtime.
func (d *DockerRuntime) Run(ctx context.Context, spec RunSpec) (*RunResult, error) {
	if err := d.ensureImage(ctx, spec.Image); err != nil {
		return nil, err
	}

	name := "apex-verify-" + uuid.New().String()[:12]
	pids := int64(64)
	created, err := d.client.ContainerCreate(ctx, &container.Config{
		Image:           spec.Image,
		WorkingDir:      spec.WorkDir,
		Cmd:             spec.Cmd,
		AttachStdout:    true,
		AttachStderr:    true,
		NetworkDisabled: true,
	}, &container.HostConfig{
		NetworkMode: "none",
		CapDrop:     []string{"ALL"},
		Resources: container.Resources{
			Memory:    512 << 20,
			NanoCPUs:  1_000_000_000,
			PidsLimit: &pids,
		},
	}, &network.NetworkingConfig{}, nil, name)
	if err != nil {
		return nil, fmt.Errorf("docker container create failed: %w", err)
	}
	containerID := created.ID
	defer func() {
		_ = d.client.ContainerRemove(context.Background(), containerID, container.RemoveOptions{Force: true})
	}()

	if err := d.client.CopyToContainer(ctx, containerID, spec.WorkDir, bytes.NewReader(spec.Archive), container.CopyToContainerOptions{}); err != nil {
		return nil, fmt.Errorf("copy sources into container: %w", err)
	}

	if err := d.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("docker container start failed: %w", err)
	}

	result := &RunResult{}
	waitCh, errCh := d.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case <-ctx.Done():
		result.TimedOut = true
		result.ExitCode = 124
		_ = d.client.ContainerKill(context.Background(), containerID, "SIGKILL")
		logging.L().Warn("interface compilation timed out", zap.String("container", containerID))
		return result, nil
	case resp := <-waitCh:
		result.ExitCode = int(resp.StatusCode)
	case err := <-errCh:
		return nil, fmt.Errorf("docker container wait failed: %w", err)
	}

	stdout, stderr, err := d.readLogs(context.Background(), containerID)
	if err != nil {
		return nil, fmt.Errorf("read compiler output: %w", err)
	}
	result.Stdout, result.Stderr = stdout, stderr
	return result, nil
}

func (d *DockerRuntime) ensureImage(ctx context.Context, imageName string) error {
	_, _, err := d.client.ImageInspectWithRaw(ctx, imageName)
	if err == nil {
		return nil
	}
	rc, pullErr := d.client.ImagePull(ctx, imageName, image.PullOptions{})
	if pullErr != nil {
		return fmt.Errorf("pull image %s: %w (inspect err: %v)", imageName, pullErr, err)
	}
	defer rc.Close()
	_, _ = io.Copy(io.Discard, rc)
	return nil
}

func (d *DockerRuntime) readLogs(ctx context.Context, containerID string) (string, string, error) {
	rc, err := d.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return "", "", err
	}
	defer rc.Close()

	var stdout, stderr bytes.Buffer
	_, err = stdcopy.StdCopy(&limitedWriter{w: &stdout, limit: maxOutputBytes}, &limitedWriter{w: &stderr, limit: maxOutputBytes}, rc)
	return stdout.String(), stderr.String(), err
}

// Close implements Runtime.
func (d *DockerRuntime) Close() error {
	return d.client.Close()
}

// limitedWriter discards bytes past limit while reporting full writes, so
// stdcopy keeps demultiplexing.
type limitedWriter struct {
	w       io.Writer
	limit   int64
	written int64
}

func (l *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	if remaining := l.limit - l.written; remaining > 0 {
		if int64(len(p)) > remaining {
			p = p[:remaining]
		}
		w, err := l.w.Write(p)
		l.written += int64(w)
		if err != nil {
			return w, err
		}
	}
	return n, nil
}
