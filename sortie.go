// Package sortie is a single-process engine for long-running missions:
// multi-step workflows whose steps are autonomous agent actions executed in
// isolated sandboxes or local processes, interleaved with human approval
// gates
package sortie

const (
	// Name is the service name reported in logs and health checks
	Name = "sortie"

	// Version is the engine version
	Version = "0.3.0"
)
