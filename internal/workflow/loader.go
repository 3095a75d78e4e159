package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tradecouncil/council/internal/agent"
	"github.com/tradecouncil/council/internal/fault"
)

// ExportFormat selects the serialization for definition export
type ExportFormat string

const (
	FormatYAML ExportFormat = "yaml"
	FormatJSON ExportFormat = "json"
)

// definitionSpec is the wire shape of a definition file. Timeouts are
// human-readable duration strings ("90s", "5m") instead of nanoseconds.
type definitionSpec struct {
	ID              string            `json:"id" yaml:"id"`
	Name            string            `json:"name" yaml:"name"`
	Version         string            `json:"version" yaml:"version"`
	Timeout         string            `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	FailureStrategy string            `json:"failure_strategy,omitempty" yaml:"failure_strategy,omitempty"`
	Steps           []stepSpec        `json:"steps" yaml:"steps"`
	Metadata        map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

type stepSpec struct {
	ID         string         `json:"id" yaml:"id"`
	Name       string         `json:"name,omitempty" yaml:"name,omitempty"`
	AgentKinds []string       `json:"agent_kinds" yaml:"agent_kinds"`
	DependsOn  []string       `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Parallel   bool           `json:"parallel,omitempty" yaml:"parallel,omitempty"`
	Optional   bool           `json:"optional,omitempty" yaml:"optional,omitempty"`
	Condition  string         `json:"condition,omitempty" yaml:"condition,omitempty"`
	Timeout    string         `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	MaxRetries int            `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// Export serializes a definition
func Export(def *Definition, format ExportFormat) ([]byte, error) {
	if def == nil {
		return nil, fault.New(fault.KindInvalid, "workflow definition is required")
	}
	spec := toSpec(def)

	switch format {
	case FormatJSON:
		data, err := json.MarshalIndent(spec, "", "  ")
		if err != nil {
			return nil, fault.Wrap(fault.KindInternal, "failed to encode workflow to JSON", err)
		}
		return data, nil
	case FormatYAML, "":
		var buf bytes.Buffer
		buf.WriteString("# Trade Council workflow definition\n")
		buf.WriteString(fmt.Sprintf("# Exported: %s\n\n", time.Now().Format(time.RFC3339)))
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(spec); err != nil {
			return nil, fault.Wrap(fault.KindInternal, "failed to encode workflow to YAML", err)
		}
		if err := enc.Close(); err != nil {
			return nil, fault.Wrap(fault.KindInternal, "failed to close YAML encoder", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fault.Newf(fault.KindInvalid, "unsupported export format %q", format)
	}
}

// ExportToFile writes a definition to disk, picking the format from the
// file extension
func ExportToFile(def *Definition, path string) error {
	format := FormatYAML
	if filepath.Ext(path) == ".json" {
		format = FormatJSON
	}
	data, err := Export(def, format)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fault.Wrap(fault.KindInternal, "failed to create directory", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fault.Wrap(fault.KindInternal, "failed to write workflow file", err)
	}
	return nil
}

// Import parses and validates a definition from YAML or JSON. The format
// is sniffed from the first non-whitespace byte; JSON documents start
// with '{' or '['.
func Import(data []byte) (*Definition, error) {
	if len(data) == 0 {
		return nil, fault.New(fault.KindInvalid, "empty workflow data")
	}

	isJSON := false
	for _, b := range data {
		if b == ' ' || b == '\t' || b == '\n' || b == '\r' {
			continue
		}
		isJSON = b == '{' || b == '['
		break
	}

	var spec definitionSpec
	if isJSON {
		if err := json.Unmarshal(data, &spec); err != nil {
			if yamlErr := yaml.Unmarshal(data, &spec); yamlErr != nil {
				return nil, fault.Newf(fault.KindInvalid,
					"failed to parse workflow as JSON (%v) or YAML (%v)", err, yamlErr)
			}
		}
	} else {
		if err := yaml.Unmarshal(data, &spec); err != nil {
			if jsonErr := json.Unmarshal(data, &spec); jsonErr != nil {
				return nil, fault.Newf(fault.KindInvalid,
					"failed to parse workflow as YAML (%v) or JSON (%v)", err, jsonErr)
			}
		}
	}

	def, err := fromSpec(&spec)
	if err != nil {
		return nil, err
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}

// ImportFromFile loads a definition from a file
func ImportFromFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fault.Wrap(fault.KindInvalid, "failed to read workflow file", err)
	}
	def, err := Import(data)
	if err != nil {
		return nil, fault.Wrap(fault.KindOf(err), fmt.Sprintf("workflow file %s", path), err)
	}
	return def, nil
}

// ImportFromReader loads a definition from a stream
func ImportFromReader(r io.Reader) (*Definition, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fault.Wrap(fault.KindInvalid, "failed to read workflow data", err)
	}
	return Import(data)
}

// LoadDir imports every .yaml/.yml/.json file in dir into the library,
// in lexical order. Returns how many definitions were registered.
func (l *Library) LoadDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fault.Wrap(fault.KindInvalid, "failed to read workflow directory", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch filepath.Ext(entry.Name()) {
		case ".yaml", ".yml", ".json":
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	loaded := 0
	for _, name := range names {
		def, err := ImportFromFile(filepath.Join(dir, name))
		if err != nil {
			return loaded, err
		}
		if err := l.Register(def); err != nil {
			return loaded, err
		}
		loaded++
	}
	return loaded, nil
}

func toSpec(def *Definition) *definitionSpec {
	spec := &definitionSpec{
		ID:              def.ID,
		Name:            def.Name,
		Version:         def.Version,
		FailureStrategy: string(def.FailureStrategy),
		Metadata:        def.Metadata,
		Steps:           make([]stepSpec, 0, len(def.Steps)),
	}
	if def.Timeout > 0 {
		spec.Timeout = def.Timeout.String()
	}
	for _, s := range def.Steps {
		kinds := make([]string, 0, len(s.AgentKinds))
		for _, k := range s.AgentKinds {
			kinds = append(kinds, string(k))
		}
		ss := stepSpec{
			ID:         s.ID,
			Name:       s.Name,
			AgentKinds: kinds,
			DependsOn:  s.DependsOn,
			Parallel:   s.Parallel,
			Optional:   s.Optional,
			Condition:  s.Condition,
			MaxRetries: s.MaxRetries,
			Parameters: s.Parameters,
		}
		if s.Timeout > 0 {
			ss.Timeout = s.Timeout.String()
		}
		spec.Steps = append(spec.Steps, ss)
	}
	return spec
}

func fromSpec(spec *definitionSpec) (*Definition, error) {
	timeout, err := parseTimeout(spec.Timeout)
	if err != nil {
		return nil, fault.Newf(fault.KindInvalid, "workflow %s: %v", spec.ID, err)
	}

	def := &Definition{
		ID:              spec.ID,
		Name:            spec.Name,
		Version:         spec.Version,
		Timeout:         timeout,
		FailureStrategy: FailureStrategy(spec.FailureStrategy),
		Metadata:        spec.Metadata,
		Steps:           make([]Step, 0, len(spec.Steps)),
	}
	for _, ss := range spec.Steps {
		stepTimeout, err := parseTimeout(ss.Timeout)
		if err != nil {
			return nil, fault.Newf(fault.KindInvalid, "workflow %s: step %s: %v", spec.ID, ss.ID, err)
		}
		kinds := make([]agent.Kind, 0, len(ss.AgentKinds))
		for _, k := range ss.AgentKinds {
			kinds = append(kinds, agent.Kind(k))
		}
		name := ss.Name
		if name == "" {
			name = ss.ID
		}
		def.Steps = append(def.Steps, Step{
			ID:         ss.ID,
			Name:       name,
			AgentKinds: kinds,
			DependsOn:  ss.DependsOn,
			Parallel:   ss.Parallel,
			Optional:   ss.Optional,
			Condition:  ss.Condition,
			Timeout:    stepTimeout,
			MaxRetries: ss.MaxRetries,
			Parameters: ss.Parameters,
		})
	}
	return def, nil
}

func parseTimeout(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid timeout %q", s)
	}
	if d < 0 {
		return 0, fmt.Errorf("negative timeout %q", s)
	}
	return d, nil
}
