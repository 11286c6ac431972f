package engine

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mkorolev/agentbox/internal/model"
)

// ToolKind tags how a tool executes. The set is closed: dispatch is a map
// lookup over these variants, never reflection.
type ToolKind int

const (
	// KindSandbox tools compile to a shell command run in the session's
	// isolated environment.
	KindSandbox ToolKind = iota
	// KindBuiltin tools run in-process with no sandbox involvement.
	KindBuiltin
)

// Tool is one entry in the closed tool set.
type Tool struct {
	Name        string
	Description string
	Parameters  json.RawMessage
	Kind        ToolKind

	// BuildCommand translates arguments into a shell command (KindSandbox).
	BuildCommand func(args json.RawMessage) (string, error)
	// Run executes the tool in-process (KindBuiltin).
	Run func(args json.RawMessage) (string, error)
}

// Toolset is the closed registry of tools the engine can dispatch.
type Toolset struct {
	tools map[string]*Tool
	specs []model.ToolSpec
}

// NewToolset builds the default tool registry.
func NewToolset() *Toolset {
	ts := &Toolset{tools: make(map[string]*Tool)}
	for _, t := range defaultTools() {
		ts.tools[t.Name] = t
		ts.specs = append(ts.specs, model.ToolSpec{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	return ts
}

// Lookup resolves a tool by name.
func (ts *Toolset) Lookup(name string) (*Tool, bool) {
	t, ok := ts.tools[name]
	return t, ok
}

// Specs returns the tool descriptions advertised to the model.
func (ts *Toolset) Specs() []model.ToolSpec {
	return ts.specs
}

func defaultTools() []*Tool {
	return []*Tool{
		{
			Name:        "run_command",
			Description: "Run a shell command in the session workspace and return its output.",
			Parameters: schema(`{
				"type": "object",
				"properties": {"command": {"type": "string", "description": "Shell command to run"}},
				"required": ["command"]
			}`),
			Kind: KindSandbox,
			BuildCommand: func(args json.RawMessage) (string, error) {
				var a struct {
					Command string `json:"command"`
				}
				if err := json.Unmarshal(args, &a); err != nil {
					return "", fmt.Errorf("parse run_command arguments: %w", err)
				}
				if a.Command == "" {
					return "", fmt.Errorf("run_command requires a non-empty command")
				}
				return a.Command, nil
			},
		},
		{
			Name:        "list_files",
			Description: "List files in a directory of the session workspace.",
			Parameters: schema(`{
				"type": "object",
				"properties": {"path": {"type": "string", "description": "Directory to list, defaults to the workspace root"}}
			}`),
			Kind: KindSandbox,
			BuildCommand: func(args json.RawMessage) (string, error) {
				var a struct {
					Path string `json:"path"`
				}
				if err := json.Unmarshal(args, &a); err != nil {
					return "", fmt.Errorf("parse list_files arguments: %w", err)
				}
				if a.Path == "" {
					a.Path = "."
				}
				return "ls -la " + shellQuote(a.Path), nil
			},
		},
		{
			Name:        "read_file",
			Description: "Read a file from the session workspace.",
			Parameters: schema(`{
				"type": "object",
				"properties": {"path": {"type": "string"}},
				"required": ["path"]
			}`),
			Kind: KindSandbox,
			BuildCommand: func(args json.RawMessage) (string, error) {
				var a struct {
					Path string `json:"path"`
				}
				if err := json.Unmarshal(args, &a); err != nil {
					return "", fmt.Errorf("parse read_file arguments: %w", err)
				}
				if a.Path == "" {
					return "", fmt.Errorf("read_file requires a path")
				}
				return "cat " + shellQuote(a.Path), nil
			},
		},
		{
			Name:        "write_file",
			Description: "Write content to a file in the session workspace, creating it if needed.",
			Parameters: schema(`{
				"type": "object",
				"properties": {
					"path": {"type": "string"},
					"content": {"type": "string"}
				},
				"required": ["path", "content"]
			}`),
			Kind: KindSandbox,
			BuildCommand: func(args json.RawMessage) (string, error) {
				var a struct {
					Path    string `json:"path"`
					Content string `json:"content"`
				}
				if err := json.Unmarshal(args, &a); err != nil {
					return "", fmt.Errorf("parse write_file arguments: %w", err)
				}
				if a.Path == "" {
					return "", fmt.Errorf("write_file requires a path")
				}
				return "printf '%s' " + shellQuote(a.Content) + " > " + shellQuote(a.Path), nil
			},
		},
		{
			Name:        "delete_file",
			Description: "Delete a file from the session workspace.",
			Parameters: schema(`{
				"type": "object",
				"properties": {"path": {"type": "string"}},
				"required": ["path"]
			}`),
			Kind: KindSandbox,
			BuildCommand: func(args json.RawMessage) (string, error) {
				var a struct {
					Path string `json:"path"`
				}
				if err := json.Unmarshal(args, &a); err != nil {
					return "", fmt.Errorf("parse delete_file arguments: %w", err)
				}
				if a.Path == "" {
					return "", fmt.Errorf("delete_file requires a path")
				}
				return "rm -f " + shellQuote(a.Path), nil
			},
		},
		{
			Name:        "install_package",
			Description: "Install a package with pip into the session environment.",
			Parameters: schema(`{
				"type": "object",
				"properties": {"package": {"type": "string"}},
				"required": ["package"]
			}`),
			Kind: KindSandbox,
			BuildCommand: func(args json.RawMessage) (string, error) {
				var a struct {
					Package string `json:"package"`
				}
				if err := json.Unmarshal(args, &a); err != nil {
					return "", fmt.Errorf("parse install_package arguments: %w", err)
				}
				if a.Package == "" {
					return "", fmt.Errorf("install_package requires a package name")
				}
				return "pip install " + shellQuote(a.Package), nil
			},
		},
		{
			Name:        "current_time",
			Description: "Return the current server time in RFC 3339 format.",
			Parameters:  schema(`{"type": "object", "properties": {}}`),
			Kind:        KindBuiltin,
			Run: func(json.RawMessage) (string, error) {
				return time.Now().Format(time.RFC3339), nil
			},
		},
	}
}

func schema(s string) json.RawMessage {
	return json.RawMessage(s)
}

// shellQuote wraps s in single quotes, escaping embedded single quotes, so
// model-supplied strings cannot break out of their argument position.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
