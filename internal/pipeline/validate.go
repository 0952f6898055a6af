package pipeline

import (
	"fmt"
	"strings"
)

// KnownServices are the service dependencies the provisioner can start.
var KnownServices = map[string]bool{
	"mysql":      true,
	"postgresql": true,
	"redis":      true,
}

// Validate checks descriptor invariants after parsing.
func (d *Descriptor) Validate() error {
	if strings.TrimSpace(d.Language) == "" {
		return fmt.Errorf("language is required")
	}
	if len(d.Versions) == 0 {
		return fmt.Errorf("at least one %s version is required", d.Language)
	}
	seenVersions := map[string]bool{}
	for _, v := range d.Versions {
		if strings.TrimSpace(v) == "" {
			return fmt.Errorf("empty version entry")
		}
		if seenVersions[v] {
			return fmt.Errorf("duplicate version %q", v)
		}
		seenVersions[v] = true
	}
	if len(d.Script) == 0 {
		return fmt.Errorf("script phase must declare at least one command")
	}
	for _, svc := range d.Services {
		if !KnownServices[svc] {
			return fmt.Errorf("unknown service %q", svc)
		}
	}
	seenDatabases := map[string]bool{}
	for _, name := range d.Databases {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("empty database name")
		}
		if seenDatabases[name] {
			return fmt.Errorf("duplicate database %q", name)
		}
		seenDatabases[name] = true
	}
	switch d.ScriptPolicy {
	case PolicyAbort, PolicyContinue:
	default:
		return fmt.Errorf("script_policy must be %q or %q, got %q", PolicyAbort, PolicyContinue, d.ScriptPolicy)
	}
	if d.TimeoutMinutes < 0 || d.StepTimeoutMinutes < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if d.Coverage.Upload.URL == "" && d.Coverage.Upload.TokenEnv != "" {
		return fmt.Errorf("coverage upload token_env set without url")
	}
	for _, cmds := range [][]string{d.BeforeScript, d.Install, d.Script, d.AfterSuccess} {
		for _, cmd := range cmds {
			if strings.TrimSpace(cmd) == "" {
				return fmt.Errorf("empty command entry")
			}
		}
	}
	return nil
}
