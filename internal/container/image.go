package container

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/image"
)

// sandboxDockerfile defines the shared base image every user container runs.
// Built once at startup; read-only thereafter.
const sandboxDockerfile = `FROM node:20-slim

RUN apt-get update && apt-get install -y --no-install-recommends \
    bash curl git findutils procps net-tools python3 \
    && rm -rf /var/lib/apt/lists/*

WORKDIR /workspace

CMD ["sleep", "infinity"]
`

// BuildBaseImage builds the sandbox image if it does not already exist.
// Subsequent calls are no-ops.
func (r *DockerRuntime) BuildBaseImage(ctx context.Context) error {
	images, err := r.cli.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return fmt.Errorf("list images: %w", err)
	}
	for _, img := range images {
		for _, tag := range img.RepoTags {
			if tag == r.cfg.SandboxImage {
				slog.Info("Sandbox image already exists", "image", tag)
				return nil
			}
		}
	}

	slog.Info("Building sandbox image", "image", r.cfg.SandboxImage)
	buildCtx, err := dockerfileContext(sandboxDockerfile)
	if err != nil {
		return fmt.Errorf("build image context: %w", err)
	}

	resp, err := r.cli.ImageBuild(ctx, buildCtx, build.ImageBuildOptions{
		Tags:       []string{r.cfg.SandboxImage},
		Dockerfile: "Dockerfile",
		Remove:     true,
	})
	if err != nil {
		return fmt.Errorf("build image: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			slog.Debug("Failed to close image build response", "error", closeErr)
		}
	}()

	// Drain the build output; the daemon streams progress until completion.
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return fmt.Errorf("read image build output: %w", err)
	}

	slog.Info("Sandbox image built", "image", r.cfg.SandboxImage)
	return nil
}

// dockerfileContext wraps a Dockerfile in the tar build context the engine
// expects.
func dockerfileContext(dockerfile string) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name:    "Dockerfile",
		Mode:    0o644,
		Size:    int64(len(dockerfile)),
		ModTime: time.Now(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return nil, err
	}
	if _, err := tw.Write([]byte(dockerfile)); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return bytes.NewReader(buf.Bytes()), nil
}
