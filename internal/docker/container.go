package docker

import (
	"context"
	"fmt"
	"slices"
	"strings"

	// types.Container is the struct returned by ContainerList.
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
)

// Container is a running container labelled with a worktree id.
type Container struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	State      string `json:"state"`
	WorktreeID string `json:"worktree_id"`

	// Ports are the TCP host ports the container publishes.
	Ports []int `json:"ports,omitempty"`
}

// Containers lists running containers that carry a worktree id label.
// Filtering happens server-side.
func (c *Client) Containers(ctx context.Context) ([]Container, error) {
	list, err := c.inner.ContainerList(ctx, container.ListOptions{
		Filters: filters.NewArgs(filters.Arg("label", LabelID)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list Docker containers: %w", err)
	}

	result := make([]Container, 0, len(list))
	for _, ct := range list {
		result = append(result, toContainer(ct))
	}
	return result, nil
}

// PortOwners maps every TCP host port published by a labelled container to
// the container's worktree id.
func (c *Client) PortOwners(ctx context.Context) (map[int]string, error) {
	containers, err := c.Containers(ctx)
	if err != nil {
		return nil, err
	}
	return portOwners(containers), nil
}

// toContainer converts a Docker API container. Docker returns names with a
// leading "/" that is stripped here.
func toContainer(c types.Container) Container {
	name := ""
	if len(c.Names) > 0 {
		name = strings.TrimPrefix(c.Names[0], "/")
	}

	var ports []int
	for _, p := range c.Ports {
		if p.PublicPort == 0 || p.Type != "tcp" {
			continue
		}
		ports = append(ports, int(p.PublicPort))
	}
	// IPv4 and IPv6 bindings of one port are listed separately
	slices.Sort(ports)
	ports = slices.Compact(ports)

	return Container{
		ID:         c.ID,
		Name:       name,
		State:      c.State,
		WorktreeID: c.Labels[LabelID],
		Ports:      ports,
	}
}

func portOwners(containers []Container) map[int]string {
	owners := make(map[int]string)
	for _, c := range containers {
		if c.WorktreeID == "" {
			continue
		}
		for _, p := range c.Ports {
			owners[p] = c.WorktreeID
		}
	}
	return owners
}

// ByWorktree groups containers by worktree id.
func ByWorktree(containers []Container) map[string][]Container {
	groups := make(map[string][]Container)
	for _, c := range containers {
		if c.WorktreeID == "" {
			continue
		}
		groups[c.WorktreeID] = append(groups[c.WorktreeID], c)
	}
	return groups
}
