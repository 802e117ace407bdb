package packages

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ServiceFileName is the structured service declaration a package may ship
const ServiceFileName = "service.yaml"

// Run types
const (
	RunTypeImmediate = "immediate"
	RunTypeInterval  = "interval"
	RunTypeCron      = "cron"
)

// Command is the program and arguments a service runs. In YAML it may be a
// single string (split on whitespace) or a list.
type Command []string

// UnmarshalYAML accepts both scalar and sequence forms
func (c *Command) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*c = strings.Fields(node.Value)
		return nil
	case yaml.SequenceNode:
		var parts []string
		if err := node.Decode(&parts); err != nil {
			return err
		}
		*c = parts
		return nil
	default:
		return fmt.Errorf("line %d: run must be a string or a list", node.Line)
	}
}

// ServiceSpec is the parsed form of service.yaml
type ServiceSpec struct {
	Run                  Command           `yaml:"run" json:"run"`
	WorkingDir           string            `yaml:"working_dir" json:"working_dir,omitempty"`
	RootDir              string            `yaml:"root_dir" json:"root_dir,omitempty"`
	LogPath              string            `yaml:"log_path" json:"log_path,omitempty"`
	ErrorLogPath         string            `yaml:"error_log_path" json:"error_log_path,omitempty"`
	EnvironmentVariables map[string]string `yaml:"environment_variables" json:"environment_variables,omitempty"`
	KeepAlive            bool              `yaml:"keep_alive" json:"keep_alive"`
	RequireRoot          bool              `yaml:"require_root" json:"require_root"`
	RunType              string            `yaml:"run_type" json:"run_type,omitempty"`
	Interval             int               `yaml:"interval" json:"interval,omitempty"`
	Cron                 string            `yaml:"cron" json:"cron,omitempty"`
}

// ParseServiceSpec decodes and validates a service declaration
func ParseServiceSpec(data []byte) (*ServiceSpec, error) {
	var spec ServiceSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("failed to parse service declaration: %w", err)
	}

	if spec.RunType == "" {
		switch {
		case spec.Cron != "":
			spec.RunType = RunTypeCron
		case spec.Interval > 0:
			spec.RunType = RunTypeInterval
		default:
			spec.RunType = RunTypeImmediate
		}
	}

	switch spec.RunType {
	case RunTypeImmediate:
	case RunTypeInterval:
		if spec.Interval <= 0 {
			return nil, fmt.Errorf("run_type interval requires a positive interval")
		}
	case RunTypeCron:
		if len(strings.Fields(spec.Cron)) != 5 {
			return nil, fmt.Errorf("invalid cron expression %q: want 5 fields", spec.Cron)
		}
	default:
		return nil, fmt.Errorf("unknown run_type %q", spec.RunType)
	}

	if len(spec.Run) == 0 {
		return nil, fmt.Errorf("service declaration has no run command")
	}
	return &spec, nil
}

// LoadServiceSpec reads and parses a service declaration file
func LoadServiceSpec(path string) (*ServiceSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	spec, err := ParseServiceSpec(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return spec, nil
}
