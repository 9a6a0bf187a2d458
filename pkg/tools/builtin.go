package tools

import "fmt"

// init registers the builtin tool set in the global registry.
//
//nolint:gochecknoinits // Factory pattern requires init() for tool registration
func init() {
	Register(ToolShell, func(ctx Context) (Tool, error) {
		if ctx.Exec == nil {
			return nil, fmt.Errorf("shell tool requires an executor")
		}
		return NewShellTool(ctx.Exec, ctx.WorkDir), nil
	}, NewShellTool(nil, "").Definition())

	Register(ToolReadFile, func(ctx Context) (Tool, error) {
		return NewReadFileTool(ctx.WorkDir), nil
	}, NewReadFileTool("").Definition())

	Register(ToolWriteFile, func(ctx Context) (Tool, error) {
		return NewWriteFileTool(ctx.WorkDir), nil
	}, NewWriteFileTool("").Definition())

	Register(ToolListFiles, func(ctx Context) (Tool, error) {
		return NewListFilesTool(ctx.WorkDir), nil
	}, NewListFilesTool("").Definition())
}
