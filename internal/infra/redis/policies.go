package redis

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// policyFile is the on-disk policy format:
//
//	policies:
//	  - name: newsletter
//	    algorithm: fixed_window
//	    tokens: 10
//	    window: 1h
type policyFile struct {
	Policies []policyFileEntry `yaml:"policies" validate:"required,min=1,dive"`
}

type policyFileEntry struct {
	Name       string  `yaml:"name" validate:"required"`
	Algorithm  string  `yaml:"algorithm" validate:"required,oneof=fixed_window sliding_window token_bucket"`
	Tokens     int     `yaml:"tokens" validate:"required,gt=0"`
	Window     string  `yaml:"window" validate:"required"`
	RefillRate float64 `yaml:"refill_rate" validate:"gte=0,required_if=Algorithm token_bucket"`
	KeyPrefix  string  `yaml:"key_prefix"`
	Analytics  bool    `yaml:"analytics"`
}

// LoadPolicyFile reads and validates additional named policies from a YAML
// file. The built-in policies are not affected unless an entry reuses one of
// their names, in which case the file entry wins.
func LoadPolicyFile(path string) ([]Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}

	var file policyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse policy file: %w", err)
	}

	if err := validator.New().Struct(&file); err != nil {
		return nil, fmt.Errorf("validate policy file: %w", err)
	}

	policies := make([]Policy, 0, len(file.Policies))
	for _, e := range file.Policies {
		window, err := time.ParseDuration(e.Window)
		if err != nil {
			return nil, fmt.Errorf("policy %q: parse window %q: %w", e.Name, e.Window, err)
		}
		if window <= 0 {
			return nil, fmt.Errorf("policy %q: window must be positive", e.Name)
		}
		policies = append(policies, Policy{
			Name:       e.Name,
			Algorithm:  Algorithm(e.Algorithm),
			Tokens:     e.Tokens,
			Window:     window,
			RefillRate: e.RefillRate,
			KeyPrefix:  e.KeyPrefix,
			Analytics:  e.Analytics,
		})
	}
	return policies, nil
}
