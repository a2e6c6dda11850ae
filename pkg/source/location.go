package source

import (
	"bytes"
	"fmt"
	"text/template"
	"time"

	"github.com/Masterminds/sprig/v3"
)

// LocationVars are the values available to location templates
type LocationVars struct {
	Environment string
	Pipeline    string
	Stage       string
	RunID       string
	Now         time.Time
}

// TemplateEngine renders source locations with Sprig functions
type TemplateEngine struct {
	funcMap template.FuncMap
}

// NewTemplateEngine creates a new template engine with Sprig functions
func NewTemplateEngine() *TemplateEngine {
	return &TemplateEngine{
		funcMap: sprig.TxtFuncMap(),
	}
}

// Render renders a location template, for example
// "data/{{ .Environment }}/flights-{{ dateInZone \"2006-01-02\" .Now \"UTC\" }}.csv"
func (t *TemplateEngine) Render(location string, vars LocationVars) (string, error) {
	tmpl, err := template.New("location").Funcs(t.funcMap).Option("missingkey=error").Parse(location)
	if err != nil {
		return "", fmt.Errorf("failed to parse location template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		return "", fmt.Errorf("failed to execute location template: %w", err)
	}

	return buf.String(), nil
}
