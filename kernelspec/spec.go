// Package kernelspec discovers installed kernel specifications.
//
// A kernel spec is a directory holding a kernel.json file:
//
//	~/.local/share/jupyter/kernels/python3/kernel.json
//
//	{
//	  "argv": ["python3", "-m", "ipykernel_launcher", "-f", "{connection_file}"],
//	  "display_name": "Python 3",
//	  "language": "python"
//	}
//
// The directory name is the spec name. Specs are searched in order over a
// list of paths; the first path holding a name wins.
package kernelspec

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/invopop/jsonschema"
)

// FileName is the spec file inside a kernel directory.
const FileName = "kernel.json"

// Interrupt modes.
const (
	InterruptSignal  = "signal"
	InterruptMessage = "message"
)

// Spec describes how to launch a kernel.
type Spec struct {
	// Name is the directory name. Not stored in kernel.json.
	Name string `json:"-"`

	DisplayName string `json:"display_name" jsonschema:"description=Human readable kernel name"`

	// Argv is the launch template. {connection_file} is replaced with the
	// path of the connection file.
	Argv []string `json:"argv" jsonschema:"minItems=1,description=Command line template"`

	Language      string            `json:"language" jsonschema:"description=Language the kernel executes"`
	InterruptMode string            `json:"interrupt_mode,omitempty" jsonschema:"enum=signal,enum=message"`
	Env           map[string]string `json:"env,omitempty"`
	Metadata      map[string]any    `json:"metadata,omitempty"`

	// ResourceDir is the directory kernel.json was read from.
	ResourceDir string `json:"-"`
}

// Validate checks that the spec can be launched.
func (s *Spec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidSpec)
	}
	if len(s.Argv) == 0 || s.Argv[0] == "" {
		return fmt.Errorf("%w: %s: argv is required", ErrInvalidSpec, s.Name)
	}
	switch s.InterruptMode {
	case "", InterruptSignal, InterruptMessage:
	default:
		return fmt.Errorf("%w: %s: unknown interrupt_mode %q", ErrInvalidSpec, s.Name, s.InterruptMode)
	}
	return nil
}

// Interrupts reports how the kernel expects to be interrupted.
func (s *Spec) Interrupts() string {
	if s.InterruptMode == "" {
		return InterruptSignal
	}
	return s.InterruptMode
}

// ParseFile reads and validates a kernel.json. The spec name is the name of
// the containing directory.
func ParseFile(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read kernel spec: %w", err)
	}

	spec := &Spec{}
	if err := json.Unmarshal(data, spec); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrInvalidSpec, path, err)
	}

	dir := filepath.Dir(path)
	spec.Name = strings.ToLower(filepath.Base(dir))
	spec.ResourceDir = dir

	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return spec, nil
}

// Write installs spec as <dir>/<spec.Name>/kernel.json.
func Write(dir string, spec *Spec) error {
	if err := spec.Validate(); err != nil {
		return err
	}

	kernelDir := filepath.Join(dir, spec.Name)
	if err := os.MkdirAll(kernelDir, 0o755); err != nil {
		return fmt.Errorf("create kernel directory: %w", err)
	}

	data, err := json.MarshalIndent(spec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal kernel spec: %w", err)
	}
	if err := os.WriteFile(filepath.Join(kernelDir, FileName), append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write kernel spec: %w", err)
	}
	return nil
}

// Schema returns the JSON schema of kernel.json.
func Schema() *jsonschema.Schema {
	r := &jsonschema.Reflector{
		DoNotReference: true,
	}
	s := r.Reflect(&Spec{})
	s.Title = "Kernel spec"
	return s
}
