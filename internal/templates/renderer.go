package templates

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	sprig "github.com/Masterminds/sprig/v3"
)

// Renderer compiles and executes the offline fallback template. Filesystem and
// environment helpers are stripped from the Sprig function map so a template
// checked into a deployment cannot read arbitrary process state.
type Renderer struct {
	funcs template.FuncMap
}

// NewRenderer constructs a renderer with the restricted Sprig function map.
func NewRenderer() *Renderer {
	funcs := sprig.TxtFuncMap()
	restricted := []string{
		"env",
		"expandenv",
		"readDir",
		"mustReadDir",
		"readFile",
		"mustReadFile",
		"glob",
	}
	for _, name := range restricted {
		delete(funcs, name)
	}
	return &Renderer{funcs: funcs}
}

// RenderFile loads, parses, and executes the template at path with the
// supplied data.
func (r *Renderer) RenderFile(path string, data any) ([]byte, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("templates: template path required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("templates: resolve %q: %w", path, err)
	}
	raw, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("templates: read %q: %w", path, err)
	}
	tmpl, err := template.New(filepath.Base(abs)).Funcs(r.funcs).Parse(string(raw))
	if err != nil {
		return nil, fmt.Errorf("templates: parse %q: %w", path, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("templates: render %q: %w", path, err)
	}
	return buf.Bytes(), nil
}

// OfflinePageData is the activation surface the offline template sees.
type OfflinePageData struct {
	Version     string
	GeneratedAt string
}
