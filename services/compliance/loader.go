package compliance

import (
	"bytes"
	"errors"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/upb/reward-governance/models"
	"github.com/upb/reward-governance/services"
)

// RuleFile is the YAML document holding a rule set:
//
//	rules:
//	  - type: pathway_length
//	    name: minimum_pathway_steps
//	    severity: error
//	    parameters:
//	      min_steps: 3
type RuleFile struct {
	Rules []models.ComplianceRule `yaml:"rules"`
}

// LoadRulesFile reads and validates a YAML rule file
func LoadRulesFile(path string) ([]models.ComplianceRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, services.ErrRuleFileInvalid.Wrap(err).WithDetail("path", path)
	}
	rules, err := ParseRules(data)
	if err != nil {
		return nil, services.ErrRuleFileInvalid.Wrap(err).WithDetail("path", path)
	}
	return rules, nil
}

// ParseRules decodes and validates a YAML rule document. Unknown fields,
// invalid rules and duplicate names are rejected.
func ParseRules(data []byte) ([]models.ComplianceRule, error) {
	var file RuleFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, services.ErrRuleFileInvalid.WithDetail("reason", "empty document")
		}
		return nil, services.ErrRuleFileInvalid.Wrap(err)
	}

	seen := make(map[string]bool, len(file.Rules))
	for _, rule := range file.Rules {
		if err := ValidateRule(rule); err != nil {
			return nil, services.ErrRuleFileInvalid.Wrap(err).WithDetail("rule_name", rule.Name)
		}
		if seen[rule.Name] {
			return nil, services.ErrRuleFileInvalid.WithDetail("duplicate_rule", rule.Name)
		}
		seen[rule.Name] = true
	}
	if file.Rules == nil {
		file.Rules = []models.ComplianceRule{}
	}
	return file.Rules, nil
}

// MarshalRules renders a rule set as a YAML rule document
func MarshalRules(rules []models.ComplianceRule) ([]byte, error) {
	return yaml.Marshal(RuleFile{Rules: rules})
}
