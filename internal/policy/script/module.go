// Package script runs topic placement policies written as JavaScript modules.
package script

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/dop251/goja"
)

// ErrFunctionMissing is returned when a requested export does not exist.
var ErrFunctionMissing = errors.New("policy function missing")

// Module is a compiled policy script.
type Module struct {
	Name    string
	Path    string
	Hash    string
	Program *goja.Program
}

// Compile compiles source into a module named name.
func Compile(name string, source []byte) (*Module, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return nil, fmt.Errorf("policy script: name required")
	}
	prog, err := goja.Compile(trimmed, string(source), true)
	if err != nil {
		return nil, fmt.Errorf("policy script: compile %q: %w", trimmed, err)
	}
	sum := sha256.Sum256(source)
	return &Module{
		Name:    strings.TrimSuffix(filepath.Base(trimmed), filepath.Ext(trimmed)),
		Path:    trimmed,
		Hash:    hex.EncodeToString(sum[:]),
		Program: prog,
	}, nil
}

// Load reads and compiles the script at path.
func Load(path string) (*Module, error) {
	clean := filepath.Clean(strings.TrimSpace(path))
	if !isJavaScriptFile(clean) {
		return nil, fmt.Errorf("policy script: %q is not a javascript file", clean)
	}
	// #nosec G304 -- path comes from operator configuration.
	source, err := os.ReadFile(clean)
	if err != nil {
		return nil, fmt.Errorf("policy script: read %q: %w", clean, err)
	}
	return Compile(clean, source)
}

func isJavaScriptFile(name string) bool {
	lower := strings.ToLower(strings.TrimSpace(name))
	return strings.HasSuffix(lower, ".js") || strings.HasSuffix(lower, ".mjs")
}

func runModule(rt *goja.Runtime, program *goja.Program, logger *log.Logger) (*goja.Object, error) {
	rt.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	module := rt.NewObject()
	exports := rt.NewObject()
	if err := module.Set("exports", exports); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	if err := rt.Set("exports", exports); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	if err := rt.Set("module", module); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	if err := rt.Set("console", buildConsole(rt, logger)); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}

	if _, err := rt.RunProgram(program); err != nil {
		return nil, fmt.Errorf("module run: %w", err)
	}

	value := module.Get("exports")
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return nil, fmt.Errorf("module exports must be an object")
	}
	return value.ToObject(rt), nil
}

func buildConsole(rt *goja.Runtime, logger *log.Logger) *goja.Object {
	console := rt.NewObject()
	logAt := func(level string) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			if logger == nil {
				return goja.Undefined()
			}
			parts := make([]string, 0, len(call.Arguments))
			for _, arg := range call.Arguments {
				parts = append(parts, arg.String())
			}
			logger.Printf("script %s: %s", level, strings.Join(parts, " "))
			return goja.Undefined()
		}
	}
	_ = console.Set("log", logAt("log"))
	_ = console.Set("info", logAt("info"))
	_ = console.Set("warn", logAt("warn"))
	_ = console.Set("error", logAt("error"))
	return console
}
