package cli

import (
	"fmt"

	"fieldweaver/internal/field"
)

// Role is what a process does in a job. The set is closed.
type Role int

const (
	// RoleCoordinator dispatches, collects and writes the output.
	RoleCoordinator Role = iota
	// RoleWorker runs one task and leaves its artifact.
	RoleWorker
)

func (r Role) String() string {
	switch r {
	case RoleCoordinator:
		return "coordinator"
	case RoleWorker:
		return "worker"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// RoleForIndex selects the process role from the externally supplied worker
// index. Index 0 is the ideal worker; with collect set it also coordinates,
// the way rank 0 does in a single-launch job.
func RoleForIndex(index int, collect bool) (Role, field.TaskRole, error) {
	if index < 0 {
		return 0, "", invalidInvocationf("--index must be >= 0 (got %d)", index)
	}
	task := field.RoleForWorker(index)
	if collect {
		if task != field.RoleIdeal {
			return 0, "", invalidInvocationf("--collect is only valid with --index %d", field.IdealWorkerID)
		}
		return RoleCoordinator, task, nil
	}
	return RoleWorker, task, nil
}
