// Package tunnel maintains SSH port-forwards for targets that are only
// reachable through a bastion host.
//
// Forwards are spawned lazily on first use, deduplicated per target, checked
// for liveness on every resolve, and torn down when the exporter exits. A
// target with no configured route resolves to itself unchanged.
package tunnel
