// Package docker attributes container-published ports to registry
// worktrees.
//
// Containers started for a worktree carry the labels produced by Labels
// ("worktree.id", "worktree.service", ...). PortOwners lists running
// containers through the Docker Engine API and maps every published host
// port to the worktree id on its labels. The port conflict detector uses
// that map to tell a worktree's own container apart from an unrelated
// process bound to the same port.
//
// Docker is optional: when no daemon is reachable the registry works
// without container attribution.
//
// The package uses github.com/docker/docker/client as the underlying
// Docker SDK, with version negotiation enabled for broad compatibility.
package docker
