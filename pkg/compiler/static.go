package compiler

import (
	"fmt"

	"autobuildr/pkg/persistence"
	"autobuildr/pkg/proto"
)

// staticDef describes one member of the fixed agent roster that exists
// independently of the backlog.
//
//nolint:govet // fieldalignment: logical grouping preferred
type staticDef struct {
	name        string
	displayName string
	objective   string
	taskType    proto.TaskType
	maxTurns    int
	timeout     int
}

//nolint:gochecknoglobals // Static roster definition
var staticRoster = []staticDef{
	{
		name:        "static-initializer",
		displayName: "Project Initializer",
		objective: "Prepare the project workspace: inspect the existing layout, " +
			"create any missing scaffolding the backlog assumes, and report what was found.",
		taskType: proto.TaskCoding,
		maxTurns: 15,
		timeout:  600,
	},
	{
		name:        "static-coder",
		displayName: "General Coder",
		objective: "Implement the requested change in the project workspace, " +
			"keeping the existing structure and conventions intact.",
		taskType: proto.TaskCoding,
		maxTurns: 30,
		timeout:  1800,
	},
	{
		name:        "static-tester",
		displayName: "Test Runner",
		objective: "Exercise the project's test suite, diagnose failures, " +
			"and report results without modifying production code.",
		taskType: proto.TaskTesting,
		maxTurns: 15,
		timeout:  900,
	},
}

// EnsureStaticSpecs persists the fixed roster, skipping members that
// already exist. Returns the number of specs created.
func (c *Compiler) EnsureStaticSpecs() (int, error) {
	created := 0
	for i := range staticRoster {
		def := &staticRoster[i]
		exists, err := c.ops.SpecNameExists(def.name)
		if err != nil {
			return created, fmt.Errorf("failed to check static spec %q: %w", def.name, err)
		}
		if exists {
			continue
		}

		spec := &persistence.AgentSpec{
			Name:           def.name,
			DisplayName:    def.displayName,
			SpecVersion:    SpecVersion,
			Objective:      def.objective,
			TaskType:       def.taskType,
			ToolPolicy:     policyTemplate(def.taskType, c.projectDir),
			MaxTurns:       def.maxTurns,
			TimeoutSeconds: def.timeout,
			Priority:       persistence.DefaultPriority,
			Tags:           []string{"static", string(def.taskType)},
		}
		if err := c.ops.UpsertAgentSpec(spec); err != nil {
			return created, fmt.Errorf("failed to persist static spec %q: %w", def.name, err)
		}

		acceptance := &persistence.AcceptanceSpec{
			ID:          persistence.GenerateID(),
			AgentSpecID: spec.ID,
			GateMode:    proto.GateAllPass,
			RetryPolicy: proto.RetryNone,
		}
		if err := c.ops.UpsertAcceptanceSpec(acceptance); err != nil {
			return created, fmt.Errorf("failed to persist static acceptance spec for %q: %w", def.name, err)
		}
		created++
	}
	if created > 0 {
		c.logger.Info("created %d static specs", created)
	}
	return created, nil
}
