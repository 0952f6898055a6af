package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// DefaultFileNames are searched in order when loading from a repository.
var DefaultFileNames = []string{".simqle-ci.yml", "simqle-ci.yml"}

// Script failure policies.
const (
	PolicyAbort    = "abort"
	PolicyContinue = "continue"
)

// Descriptor is a parsed pipeline definition.
type Descriptor struct {
	Language           string
	Versions           []string
	Sudo               bool
	Services           []string
	Databases          []string
	BeforeScript       []string
	Install            []string
	Script             []string
	AfterSuccess       []string
	ScriptPolicy       string
	Coverage           CoverageConfig
	TimeoutMinutes     int
	StepTimeoutMinutes int
}

// CoverageConfig declares coverage accumulation across script steps.
type CoverageConfig struct {
	Profiles []string
	Upload   UploadConfig
}

// UnmarshalYAML accepts profiles as either a single glob or a list, like
// every other list-valued key.
func (c *CoverageConfig) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("expected mapping at line %d", node.Line)
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i].Value, node.Content[i+1]
		switch key {
		case "profiles":
			values, err := scalarList(value)
			if err != nil {
				return fmt.Errorf("profiles: %w", err)
			}
			c.Profiles = values
		case "upload":
			if err := value.Decode(&c.Upload); err != nil {
				return fmt.Errorf("upload: %w", err)
			}
		default:
			return fmt.Errorf("unknown coverage key %q", key)
		}
	}
	return nil
}

// UploadConfig names the external service the merged report is sent to.
type UploadConfig struct {
	URL      string `yaml:"url"`
	TokenEnv string `yaml:"token_env"`
}

// MatrixEntry is one expanded job of the version matrix.
type MatrixEntry struct {
	Language string
	Version  string
}

// Matrix expands the descriptor into one entry per declared version.
func (d *Descriptor) Matrix() []MatrixEntry {
	entries := make([]MatrixEntry, 0, len(d.Versions))
	for _, v := range d.Versions {
		entries = append(entries, MatrixEntry{Language: d.Language, Version: v})
	}
	return entries
}

// Phases returns the command phases in execution order as (name, commands)
// pairs. Provisioning is not a command phase and is not included.
func (d *Descriptor) Phases() []Phase {
	return []Phase{
		{Name: "before_script", Commands: d.BeforeScript},
		{Name: "install", Commands: d.Install},
		{Name: "script", Commands: d.Script},
		{Name: "after_success", Commands: d.AfterSuccess},
	}
}

// Phase couples a lifecycle phase name with its ordered commands.
type Phase struct {
	Name     string
	Commands []string
}

// Load locates and parses a descriptor file inside dir.
func Load(dir string) (*Descriptor, error) {
	for _, name := range DefaultFileNames {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("read descriptor %s: %w", path, err)
		}
		d, err := Parse(data)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
		return d, nil
	}
	return nil, fmt.Errorf("no descriptor found in %s (tried %v)", dir, DefaultFileNames)
}

// Parse decodes a descriptor document. Unknown top-level keys are rejected,
// except for a single key matching the declared language, which is read as
// the version list (the "python: [3.5, 3.6]" form).
func Parse(data []byte) (*Descriptor, error) {
	var doc map[string]yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	if len(doc) == 0 {
		return nil, fmt.Errorf("empty descriptor")
	}

	d := &Descriptor{ScriptPolicy: PolicyAbort}

	if node, ok := doc["language"]; ok {
		if err := node.Decode(&d.Language); err != nil {
			return nil, fmt.Errorf("language: %w", err)
		}
		delete(doc, "language")
	}

	scalarKeys := map[string]any{
		"sudo":                 &d.Sudo,
		"script_policy":        &d.ScriptPolicy,
		"timeout_minutes":      &d.TimeoutMinutes,
		"step_timeout_minutes": &d.StepTimeoutMinutes,
		"coverage":             &d.Coverage,
	}
	for key, target := range scalarKeys {
		if node, ok := doc[key]; ok {
			if err := node.Decode(target); err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			delete(doc, key)
		}
	}

	listKeys := map[string]*[]string{
		"versions":      &d.Versions,
		"services":      &d.Services,
		"databases":     &d.Databases,
		"before_script": &d.BeforeScript,
		"install":       &d.Install,
		"script":        &d.Script,
		"after_success": &d.AfterSuccess,
	}
	if d.Language != "" {
		// Version list under the language name, Travis style.
		listKeys[d.Language] = &d.Versions
	}
	for key, target := range listKeys {
		node, ok := doc[key]
		if !ok {
			continue
		}
		values, err := scalarList(&node)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		*target = append(*target, values...)
		delete(doc, key)
	}

	if len(doc) > 0 {
		keys := make([]string, 0, len(doc))
		for key := range doc {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		return nil, fmt.Errorf("unknown keys: %v", keys)
	}

	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// scalarList accepts either a single scalar or a sequence of scalars and
// returns their literal values. Reading node values directly keeps YAML
// floats like 3.5 from turning into "3.500000".
func scalarList(node *yaml.Node) ([]string, error) {
	switch node.Kind {
	case yaml.ScalarNode:
		return []string{node.Value}, nil
	case yaml.SequenceNode:
		values := make([]string, 0, len(node.Content))
		for _, item := range node.Content {
			if item.Kind != yaml.ScalarNode {
				return nil, fmt.Errorf("expected scalar list entry at line %d", item.Line)
			}
			values = append(values, item.Value)
		}
		return values, nil
	default:
		return nil, fmt.Errorf("expected scalar or list at line %d", node.Line)
	}
}
