package domain

// Toolset locates the external packaging tool for one workspace.
type Toolset struct {
	Interpreter string // e.g. pwsh
	Script      string // absolute path of the packaging script
	WorkDir     string // working directory the script expects
	Root        string // shared tools directory, mounted read-only by container runners
}

// ToolInvocation is a fully resolved subprocess call. Args are passed as an
// argv vector, never through a shell.
type ToolInvocation struct {
	Command string
	Args    []string
	Dir     string
	Env     []string
	// Mounts lists host directories a sandboxed runner must expose at the
	// same path. Writable mounts are the job workspace only.
	Mounts []Mount
}

type Mount struct {
	Path     string
	ReadOnly bool
}

// ToolResult carries separately captured, size capped output streams.
type ToolResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}
