package worker

import (
	_ "embed"
	"fmt"
	"sort"
)

//go:embed program/worker.py
var pythonProgram []byte

// Runtime defines how to execute scripts for a specific language.
type Runtime interface {
	// Name returns the runtime identifier (e.g., "python").
	Name() string

	// Program returns the worker program that interprets the execution
	// config and runs the submitted script.
	Program() []byte

	// Command returns the command and args to run the worker program
	// written at programPath.
	Command(programPath string) []string

	// FileExtension returns the file extension for the worker program.
	FileExtension() string
}

// PythonRuntime runs scripts through the embedded Python worker.
type PythonRuntime struct {
	// Bin is the interpreter to invoke. Empty means "python3".
	Bin string
}

func (p *PythonRuntime) Name() string { return "python" }

func (p *PythonRuntime) Program() []byte { return pythonProgram }

func (p *PythonRuntime) Command(programPath string) []string {
	bin := p.Bin
	if bin == "" {
		bin = "python3"
	}
	return []string{
		bin, "-u", // Unbuffered output
		"-B", // Don't write .pyc files
		programPath,
	}
}

func (p *PythonRuntime) FileExtension() string { return ".py" }

// Registry maps language names to their Runtime implementations.
type Registry struct {
	runtimes map[string]Runtime
}

// NewRegistry creates a registry with all supported runtimes.
func NewRegistry() *Registry {
	r := &Registry{
		runtimes: make(map[string]Runtime),
	}
	r.Register(&PythonRuntime{})
	return r
}

// Register adds a runtime to the registry.
func (r *Registry) Register(rt Runtime) {
	r.runtimes[rt.Name()] = rt
}

// Get returns the runtime for the given language.
func (r *Registry) Get(language string) (Runtime, error) {
	rt, ok := r.runtimes[language]
	if !ok {
		return nil, fmt.Errorf("unsupported language: %q (supported: %v)", language, r.Languages())
	}
	return rt, nil
}

// Languages returns all registered language names.
func (r *Registry) Languages() []string {
	langs := make([]string, 0, len(r.runtimes))
	for name := range r.runtimes {
		langs = append(langs, name)
	}
	sort.Strings(langs)
	return langs
}
