// Package port allocates TCP ports from per-service ranges and classifies
// port conflicts for the worktree-registry CLI.
//
// Allocation scans a service's configured range in ascending order and
// takes the first port that (1) has no allocation record in the registry
// and (2) is confirmed free by a bind probe. Registry absence alone is not
// enough: an unrelated process may already hold a "free" port. The chosen
// port is committed with a compare-and-swap on the registry version, so
// two concurrent allocators never hand out the same port.
//
// Conflict detection is a pure function of a registry snapshot and a set
// of port observations, producing three classes:
//
//	registry_conflict    two allocation records claim one port
//	system_conflict      an unrelated process is bound to a port
//	allocation_mismatch  a port is allocated but nothing listens on it
//
// Scanner is the OS-backed oracle.Prober: bind probes via net.Listen,
// listening PIDs and process details via gopsutil, and HTTP/TCP checks.
package port
