// Package tools executes the tools exposed to agents inside a working directory.
package tools

import "fmt"

// Kind is the closed set of tools an agent may call.
type Kind int

const (
	ReadFile Kind = iota
	WriteFile
	EditFile
	RunCommand
	SearchFiles
	MarkComplete
)

var kindNames = [...]string{
	ReadFile:     "read_file",
	WriteFile:    "write_file",
	EditFile:     "edit_file",
	RunCommand:   "run_command",
	SearchFiles:  "search_files",
	MarkComplete: "mark_complete",
}

// AllKinds returns every tool kind in declaration order.
func AllKinds() []Kind {
	return []Kind{ReadFile, WriteFile, EditFile, RunCommand, SearchFiles, MarkComplete}
}

// String returns the wire name of the tool.
func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("tool(%d)", int(k))
	}
	return kindNames[k]
}

// ParseKind maps a wire name back to its Kind.
func ParseKind(name string) (Kind, bool) {
	for i, n := range kindNames {
		if n == name {
			return Kind(i), true
		}
	}
	return 0, false
}

// Property is one parameter in a tool's input schema.
type Property struct {
	Type        string
	Description string
}

// Definition describes a tool to a provider.
type Definition struct {
	Kind        Kind
	Name        string
	Description string
	Properties  map[string]Property
	Required    []string
}

// Schema renders the definition's parameters as a JSON-schema object.
func (d Definition) Schema() map[string]any {
	props := make(map[string]any, len(d.Properties))
	for name, p := range d.Properties {
		props[name] = map[string]any{
			"type":        p.Type,
			"description": p.Description,
		}
	}
	required := d.Required
	if required == nil {
		required = []string{}
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

// Definitions returns the definitions of every tool.
func Definitions() []Definition {
	defs := make([]Definition, 0, len(kindNames))
	for _, k := range AllKinds() {
		defs = append(defs, definition(k))
	}
	return defs
}

func definition(k Kind) Definition {
	d := Definition{Kind: k, Name: k.String()}
	switch k {
	case ReadFile:
		d.Description = "Read the contents of a file in the repository."
		d.Properties = map[string]Property{
			"path": {Type: "string", Description: "File path relative to the repository root"},
		}
		d.Required = []string{"path"}
	case WriteFile:
		d.Description = "Create or overwrite a file with the given content."
		d.Properties = map[string]Property{
			"path":    {Type: "string", Description: "File path relative to the repository root"},
			"content": {Type: "string", Description: "Full file content to write"},
		}
		d.Required = []string{"path", "content"}
	case EditFile:
		d.Description = "Replace an exact string in a file. old_string must match exactly once unless replace_all is true."
		d.Properties = map[string]Property{
			"path":        {Type: "string", Description: "File path relative to the repository root"},
			"old_string":  {Type: "string", Description: "Exact text to replace"},
			"new_string":  {Type: "string", Description: "Replacement text"},
			"replace_all": {Type: "boolean", Description: "Replace every occurrence"},
		}
		d.Required = []string{"path", "old_string", "new_string"}
	case RunCommand:
		d.Description = "Run a shell command in the repository root. Destructive commands are refused."
		d.Properties = map[string]Property{
			"command": {Type: "string", Description: "Shell command to execute"},
		}
		d.Required = []string{"command"}
	case SearchFiles:
		d.Description = "Find files by glob pattern and optionally grep their contents with a regular expression."
		d.Properties = map[string]Property{
			"pattern": {Type: "string", Description: "Glob pattern such as **/*.go (default: all files)"},
			"query":   {Type: "string", Description: "Regular expression to search for inside matching files"},
		}
	case MarkComplete:
		d.Description = "Signal that the task is finished. Call exactly once, after all changes are made."
		d.Properties = map[string]Property{
			"commit_message": {Type: "string", Description: "Commit message for the changes"},
			"pr_title":       {Type: "string", Description: "Pull request title"},
			"pr_description": {Type: "string", Description: "Pull request description in markdown"},
			"summary":        {Type: "string", Description: "Short summary of what was done"},
		}
		d.Required = []string{"commit_message", "pr_title", "pr_description"}
	}
	return d
}
