package compiler

import (
	"autobuildr/pkg/persistence"
	"autobuildr/pkg/proto"
)

// Base budgets per task type. Scaling adds on top; the proto bounds clamp
// the final values.
//
//nolint:gochecknoglobals // Static budget tables
var (
	baseTurns = map[proto.TaskType]int{
		proto.TaskCoding:        20,
		proto.TaskTesting:       15,
		proto.TaskRefactoring:   18,
		proto.TaskDocumentation: 10,
		proto.TaskAudit:         12,
		proto.TaskCustom:        15,
	}
	baseTimeout = map[proto.TaskType]int{
		proto.TaskCoding:        900,
		proto.TaskTesting:       600,
		proto.TaskRefactoring:   900,
		proto.TaskDocumentation: 300,
		proto.TaskAudit:         600,
		proto.TaskCustom:        600,
	}
)

// turnBudget scales the base turn budget with description length and step
// count: one extra turn per 200 characters, two per step.
func turnBudget(taskType proto.TaskType, f *persistence.Feature) int {
	base := baseTurns[taskType]
	if base == 0 {
		base = baseTurns[proto.TaskCustom]
	}
	turns := base + len(f.Description)/200 + 2*len(f.Steps)
	return clamp(turns, proto.MinMaxTurns, proto.MaxMaxTurns)
}

// timeoutBudget scales the base wall-clock budget with description length
// and step count: one extra second per 20 characters, fifteen per step.
func timeoutBudget(taskType proto.TaskType, f *persistence.Feature) int {
	base := baseTimeout[taskType]
	if base == 0 {
		base = baseTimeout[proto.TaskCustom]
	}
	seconds := base + len(f.Description)/20 + 15*len(f.Steps)
	return clamp(seconds, proto.MinTimeoutSeconds, proto.MaxTimeoutSeconds)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
