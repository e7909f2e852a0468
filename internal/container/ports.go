package container

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/containerd/errdefs"
)

// PortMapping is one published container port and its host-side binding.
type PortMapping struct {
	ContainerPort int `json:"container_port"`
	HostPort      int `json:"host_port"`
}

// PortDiscovery inspects a running container's published ports and probes
// for listening services. Both operations are best-effort: a missing
// container yields an empty result, not an error.
type PortDiscovery interface {
	ListPortMappings(ctx context.Context, userID string) ([]PortMapping, error)
	IsPortActive(ctx context.Context, userID string, containerPort int) bool
}

// ListPortMappings reads the container's published port bindings. Returns an
// empty list when no container exists.
func (r *DockerRuntime) ListPortMappings(ctx context.Context, userID string) ([]PortMapping, error) {
	inspect, err := r.cli.ContainerInspect(ctx, ContainerName(userID))
	if err != nil {
		if errdefs.IsNotFound(err) {
			return []PortMapping{}, nil
		}
		return nil, fmt.Errorf("inspect container for user %s: %w", userID, err)
	}
	if inspect.NetworkSettings == nil {
		return []PortMapping{}, nil
	}

	mappings := []PortMapping{}
	for portProto, bindings := range inspect.NetworkSettings.Ports {
		if len(bindings) == 0 {
			continue
		}
		containerPort := parsePortProto(string(portProto))
		hostPort, err := strconv.Atoi(bindings[0].HostPort)
		if containerPort == 0 || err != nil {
			continue
		}
		mappings = append(mappings, PortMapping{ContainerPort: containerPort, HostPort: hostPort})
	}
	return mappings, nil
}

// IsPortActive probes whether something is listening on the given container
// port. Inconclusive results read as false.
func (r *DockerRuntime) IsPortActive(ctx context.Context, userID string, containerPort int) bool {
	containerID, err := r.resolve(ctx, userID)
	if err != nil {
		return false
	}

	cmd := fmt.Sprintf("netstat -tln 2>/dev/null | grep -q ':%d ' || ss -tln 2>/dev/null | grep -q ':%d '", containerPort, containerPort)
	_, _, exitCode, err := r.exec(ctx, containerID, cmd)
	if err != nil {
		slog.Debug("Port probe failed", "user_id", userID, "port", containerPort, "error", err)
		return false
	}
	return exitCode == 0
}

// parsePortProto extracts the numeric port from Docker's "8080/tcp" form.
func parsePortProto(portProto string) int {
	portStr, _, _ := strings.Cut(portProto, "/")
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0
	}
	return port
}
