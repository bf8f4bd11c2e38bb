package adapter

import (
	"errors"
	"fmt"
	"maps"
	"path/filepath"
	"regexp"

	"github.com/distribution/reference"
	"github.com/google/shlex"
)

// ErrNotFound is returned when no adapter is registered for a language id
var ErrNotFound = errors.New("language not found")

// ErrInvalidAdapter marks a malformed adapter definition
var ErrInvalidAdapter = errors.New("invalid adapter definition")

// StdinFileName is the name under which submission stdin is staged next to
// the source file. Adapters may not use it as their source file name.
const StdinFileName = ".runbox-stdin"

var idPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_+.-]*$`)

// LanguageAdapter is the immutable recipe for one language
type LanguageAdapter struct {
	ID             string            `yaml:"id" json:"id"`
	BaseImage      string            `yaml:"base_image" json:"base_image"`
	SourceFileName string            `yaml:"source_file_name" json:"source_file_name"`
	BuildCommand   string            `yaml:"build_command,omitempty" json:"build_command,omitempty"`
	RunCommand     string            `yaml:"run_command" json:"run_command"`
	Environment    map[string]string `yaml:"environment,omitempty" json:"environment,omitempty"`
}

// HasBuild reports whether the language has a build phase
func (a LanguageAdapter) HasBuild() bool {
	return a.BuildCommand != ""
}

// clone returns a copy that shares no mutable state with a
func (a LanguageAdapter) clone() LanguageAdapter {
	a.Environment = maps.Clone(a.Environment)
	return a
}

// Validate checks that the definition can be executed by every backend
func Validate(a LanguageAdapter) error {
	if a.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidAdapter)
	}
	if !idPattern.MatchString(a.ID) {
		return fmt.Errorf("%w: %s: id must match %s", ErrInvalidAdapter, a.ID, idPattern.String())
	}

	if a.BaseImage == "" {
		return fmt.Errorf("%w: %s: missing base image", ErrInvalidAdapter, a.ID)
	}
	if _, err := reference.ParseNormalizedNamed(a.BaseImage); err != nil {
		return fmt.Errorf("%w: %s: base image %q: %v", ErrInvalidAdapter, a.ID, a.BaseImage, err)
	}

	if err := validateFileName(a.SourceFileName); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidAdapter, a.ID, err)
	}

	if a.RunCommand == "" {
		return fmt.Errorf("%w: %s: missing run command", ErrInvalidAdapter, a.ID)
	}
	if err := validateCommand(a.RunCommand); err != nil {
		return fmt.Errorf("%w: %s: run command: %v", ErrInvalidAdapter, a.ID, err)
	}
	if a.HasBuild() {
		if err := validateCommand(a.BuildCommand); err != nil {
			return fmt.Errorf("%w: %s: build command: %v", ErrInvalidAdapter, a.ID, err)
		}
	}

	for key := range a.Environment {
		if key == "" {
			return fmt.Errorf("%w: %s: empty environment variable name", ErrInvalidAdapter, a.ID)
		}
	}

	return nil
}

func validateFileName(name string) error {
	switch {
	case name == "":
		return errors.New("missing source file name")
	case name == "." || name == "..":
		return fmt.Errorf("source file name %q is not a file", name)
	case filepath.Base(name) != name:
		return fmt.Errorf("source file name %q must not contain a directory", name)
	case name == StdinFileName:
		return fmt.Errorf("source file name %q is reserved", name)
	}
	return nil
}

// validateCommand only checks that the command tokenizes; its content is
// left to the adapter author.
func validateCommand(cmd string) error {
	fields, err := shlex.Split(cmd)
	if err != nil {
		return err
	}
	if len(fields) == 0 {
		return errors.New("command is empty")
	}
	return nil
}

// Defaults returns the built-in language definitions
func Defaults() []LanguageAdapter {
	return []LanguageAdapter{
		{
			ID:             "cpp",
			BaseImage:      "gcc:latest",
			SourceFileName: "main.cpp",
			BuildCommand:   "g++ main.cpp -o main.out",
			RunCommand:     "./main.out",
		},
		{
			ID:             "java",
			BaseImage:      "openjdk:latest",
			SourceFileName: "Main.java",
			BuildCommand:   "javac Main.java",
			RunCommand:     "java Main",
		},
		{
			ID:             "js",
			BaseImage:      "node:20-alpine",
			SourceFileName: "main.js",
			RunCommand:     "node main.js",
		},
		{
			ID:             "python",
			BaseImage:      "python:3.11-slim",
			SourceFileName: "main.py",
			RunCommand:     "python main.py",
			Environment:    map[string]string{"PYTHONUNBUFFERED": "1"},
		},
	}
}
