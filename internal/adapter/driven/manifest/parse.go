// Package manifest loads plugin capability manifests from YAML files and
// validates operation params against their JSON Schemas.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ericfisherdev/plughub/internal/domain/model"
)

// file is the on-disk manifest layout.
type file struct {
	Name         string                   `yaml:"name"`
	Version      string                   `yaml:"version"`
	Enabled      *bool                    `yaml:"enabled,omitempty"` // default: true
	Capabilities []string                 `yaml:"capabilities,omitempty"`
	Egress       []string                 `yaml:"egress,omitempty"`
	Quota        quotaFile                `yaml:"quota,omitempty"`
	Operations   map[string]operationFile `yaml:"operations"`
}

type quotaFile struct {
	Daily   int `yaml:"daily,omitempty"`
	Monthly int `yaml:"monthly,omitempty"`
}

type operationFile struct {
	Contexts       []string       `yaml:"contexts,omitempty"`
	ParamsSchema   map[string]any `yaml:"params_schema,omitempty"`
	Auth           *authFile      `yaml:"auth,omitempty"`
	Secrets        []secretFile   `yaml:"secrets,omitempty"`
	Timeout        string         `yaml:"timeout,omitempty"`
	MaxOutputBytes int            `yaml:"max_output_bytes,omitempty"`
}

type authFile struct {
	Provider     string   `yaml:"provider"`
	Mode         string   `yaml:"mode,omitempty"` // default: user
	Scopes       []string `yaml:"scopes,omitempty"`
	SubjectParam string   `yaml:"subject_param,omitempty"`
}

type secretFile struct {
	Key   string `yaml:"key"`
	Scope string `yaml:"scope,omitempty"`
}

// Parse decodes and validates a single manifest.
func Parse(data []byte) (*model.Manifest, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}

	if f.Name == "" {
		return nil, errors.New("manifest: name is required")
	}
	if len(f.Operations) == 0 {
		return nil, fmt.Errorf("manifest %s: at least one operation is required", f.Name)
	}

	m := &model.Manifest{
		Name:       f.Name,
		Version:    f.Version,
		Enabled:    f.Enabled == nil || *f.Enabled,
		Egress:     f.Egress,
		Quota:      model.Quota{Daily: f.Quota.Daily, Monthly: f.Quota.Monthly},
		Operations: make(map[string]model.Operation, len(f.Operations)),
	}

	caps := make([]model.Capability, 0, len(f.Capabilities))
	for _, c := range f.Capabilities {
		capability := model.Capability(c)
		if !capability.Known() {
			return nil, fmt.Errorf("manifest %s: unknown capability %q", f.Name, c)
		}
		caps = append(caps, capability)
	}
	m.Capabilities = model.ExpandCapabilities(caps)

	for name, of := range f.Operations {
		op, err := parseOperation(name, of)
		if err != nil {
			return nil, fmt.Errorf("manifest %s: %w", f.Name, err)
		}
		m.Operations[name] = op
	}

	return m, nil
}

func parseOperation(name string, of operationFile) (model.Operation, error) {
	op := model.Operation{Name: name, MaxOutputBytes: of.MaxOutputBytes}

	for _, c := range of.Contexts {
		cc := model.CallContext(c)
		if cc != model.CallInteractive && cc != model.CallScheduled {
			return model.Operation{}, fmt.Errorf("operation %s: unknown context %q", name, c)
		}
		op.Contexts = append(op.Contexts, cc)
	}

	if of.ParamsSchema != nil {
		schema, err := json.Marshal(of.ParamsSchema)
		if err != nil {
			return model.Operation{}, fmt.Errorf("operation %s: encoding params_schema: %w", name, err)
		}
		op.ParamsSchema = schema
	}

	if of.Auth != nil {
		mode := model.AuthMode(of.Auth.Mode)
		if mode == "" {
			mode = model.AuthModeUser
		}
		if !mode.Valid() {
			return model.Operation{}, fmt.Errorf("operation %s: unknown auth mode %q", name, of.Auth.Mode)
		}
		if of.Auth.Provider == "" {
			return model.Operation{}, fmt.Errorf("operation %s: auth provider is required", name)
		}
		subjectParam := of.Auth.SubjectParam
		if subjectParam == "" {
			subjectParam = "subject"
		}
		op.Auth = &model.AuthSpec{
			Provider:     of.Auth.Provider,
			Mode:         mode,
			Scopes:       of.Auth.Scopes,
			SubjectParam: subjectParam,
		}
	}

	for _, s := range of.Secrets {
		if s.Key == "" {
			return model.Operation{}, fmt.Errorf("operation %s: secret key is required", name)
		}
		scope, ok := model.ParseSecretScope(s.Scope)
		if !ok {
			return model.Operation{}, fmt.Errorf("operation %s: secret %s: unknown scope %q", name, s.Key, s.Scope)
		}
		op.Secrets = append(op.Secrets, model.SecretRequirement{Key: s.Key, Scope: scope})
	}

	if of.Timeout != "" {
		d, err := time.ParseDuration(of.Timeout)
		if err != nil || d <= 0 {
			return model.Operation{}, fmt.Errorf("operation %s: invalid timeout %q", name, of.Timeout)
		}
		op.Timeout = d
	}

	return op, nil
}
