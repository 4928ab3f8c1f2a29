// Package plan reads and writes task plan descriptors. A descriptor is a
// JSON or YAML document holding the ordered steps and the named parameter
// sets they reference.
package plan

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"drillcontrol/pkg/types"
)

// Format 描述文件格式
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatFromPath 按扩展名判断格式，未知扩展名按 JSON 处理
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// LoadFile reads and validates the descriptor at path.
func LoadFile(path string) (*types.TaskPlan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read plan file %s: %v", types.ErrParse, path, err)
	}
	p, err := Parse(data, FormatFromPath(path))
	if err != nil {
		return nil, err
	}
	p.Source = path
	return p, nil
}

// Parse decodes a descriptor, normalizes it and validates every step.
// Parameter set validity is deliberately left to execution time so that a
// step referencing a broken preset fails the task with the preset's name.
func Parse(data []byte, format Format) (*types.TaskPlan, error) {
	var p types.TaskPlan

	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrParse, err)
		}
	case FormatJSON, "":
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrParse, err)
		}
	default:
		return nil, fmt.Errorf("%w: unsupported plan format %q", types.ErrParse, format)
	}

	normalize(&p)

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Marshal 序列化计划，用于保存
func Marshal(p *types.TaskPlan, format Format) ([]byte, error) {
	switch format {
	case FormatYAML:
		return yaml.Marshal(p)
	case FormatJSON, "":
		return json.MarshalIndent(p, "", "  ")
	default:
		return nil, fmt.Errorf("unsupported plan format %q", format)
	}
}

// SaveFile 写入计划文件，格式由扩展名决定
func SaveFile(p *types.TaskPlan, path string) error {
	data, err := Marshal(p, FormatFromPath(path))
	if err != nil {
		return fmt.Errorf("failed to marshal plan: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write plan file: %w", err)
	}
	return nil
}

func normalize(p *types.TaskPlan) {
	if p.Presets == nil {
		p.Presets = make(map[string]types.ParameterSet)
	}
	for key, ps := range p.Presets {
		if ps.ID == "" {
			ps.ID = key
			p.Presets[key] = ps
		}
	}

	for i := range p.Steps {
		s := &p.Steps[i]
		s.Kind = types.StepKind(strings.ToLower(strings.TrimSpace(string(s.Kind))))
		s.Preset = strings.TrimSpace(s.Preset)
		s.Logic = types.ConditionLogic(strings.ToUpper(strings.TrimSpace(string(s.Logic))))
		if s.Logic == "" {
			s.Logic = types.LogicOr
		}
		for j := range s.Conditions {
			c := &s.Conditions[j]
			c.Sensor = types.SensorKind(strings.ToLower(strings.TrimSpace(string(c.Sensor))))
			c.Op = types.Comparator(strings.TrimSpace(string(c.Op)))
		}
	}
}
