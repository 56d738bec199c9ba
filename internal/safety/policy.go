package safety

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v2"
)

// Risk classifies the severity the validator assigns to a violation.
type Risk int

const (
	RiskLow Risk = iota
	RiskMedium
	RiskHigh
	RiskCritical
)

func (r Risk) String() string {
	switch r {
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskCritical:
		return "critical"
	default:
		return "low"
	}
}

func parseRisk(s string) Risk {
	switch s {
	case "medium":
		return RiskMedium
	case "high":
		return RiskHigh
	case "critical":
		return RiskCritical
	default:
		return RiskLow
	}
}

// patternRule is one compiled pattern entry from policy.yaml.
type patternRule struct {
	Description string
	Risk        Risk
	re          *regexp.Regexp
}

// rawPatternRule mirrors the YAML shape before compilation.
type rawPatternRule struct {
	Pattern     string `yaml:"pattern"`
	Description string `yaml:"description"`
	Risk        string `yaml:"risk"`
}

type rawPolicy struct {
	DestructiveCommandPatterns []rawPatternRule `yaml:"destructive_command_patterns"`
	DangerousContentPatterns   []rawPatternRule `yaml:"dangerous_content_patterns"`
	ResourceLimits             struct {
		MaxMemoryMB             int `yaml:"max_memory_mb"`
		MaxExecutionTimeSeconds int `yaml:"max_execution_time_seconds"`
	} `yaml:"resource_limits"`
	NetworkPolicy struct {
		AllowExternalNetwork bool `yaml:"allow_external_network"`
	} `yaml:"network_policy"`
}

// Policy is the compiled, ready-to-evaluate pattern and limit set.
type Policy struct {
	DestructiveCommandPatterns []patternRule
	DangerousContentPatterns   []patternRule
	MaxMemoryMB                int
	MaxExecutionTimeSeconds    int
	AllowExternalNetwork       bool
}

// LoadPolicy reads and compiles a Policy from a YAML file at path.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("safety: read policy: %w", err)
	}
	return parsePolicy(data)
}

func parsePolicy(data []byte) (*Policy, error) {
	var raw rawPolicy
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("safety: parse policy: %w", err)
	}

	destructive, err := compileRules(raw.DestructiveCommandPatterns)
	if err != nil {
		return nil, err
	}
	dangerous, err := compileRules(raw.DangerousContentPatterns)
	if err != nil {
		return nil, err
	}

	return &Policy{
		DestructiveCommandPatterns: destructive,
		DangerousContentPatterns:   dangerous,
		MaxMemoryMB:                raw.ResourceLimits.MaxMemoryMB,
		MaxExecutionTimeSeconds:    raw.ResourceLimits.MaxExecutionTimeSeconds,
		AllowExternalNetwork:       raw.NetworkPolicy.AllowExternalNetwork,
	}, nil
}

func compileRules(raw []rawPatternRule) ([]patternRule, error) {
	out := make([]patternRule, 0, len(raw))
	for _, r := range raw {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("safety: compile pattern %q: %w", r.Pattern, err)
		}
		out = append(out, patternRule{Description: r.Description, Risk: parseRisk(r.Risk), re: re})
	}
	return out, nil
}
