// Package policy loads the account-level configuration referenced
// throughout spec.md §3/§4 (threshold m/n, recovery guardian threshold,
// TTLs, replenishment rules, leakage caps) from YAML, following the
// field-group layout and ${VAR}-substitution convention of the teacher's
// pkg/config/anchor_config.go.
package policy

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration for YAML unmarshaling, identical in shape
// to the teacher's config.Duration.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("policy: invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) AsDuration() time.Duration { return time.Duration(d) }

// ThresholdSettings is the tree's (m, n) configuration and guardian
// threshold (spec.md §3 "policy").
type ThresholdSettings struct {
	Threshold         int `yaml:"threshold"`
	Total             int `yaml:"total"`
	RecoveryGuardianThreshold int `yaml:"recovery_guardian_threshold"`
}

// TTLSettings carries every epoch/ms bound named in spec.md §4-§5.
type TTLSettings struct {
	CapabilityTTLEpochs     uint64   `yaml:"capability_ttl_epochs"`
	FreshnessBoundEpochs    uint64   `yaml:"freshness_bound_epochs"`
	SigningSessionTTLEpochs uint64   `yaml:"signing_session_ttl_epochs"`
	RecoveryCooldown        Duration `yaml:"recovery_cooldown"`
	IntentTimeout           Duration `yaml:"intent_timeout"`
	DefaultOperationTimeout Duration `yaml:"default_operation_timeout"`
}

// FlowBudgetSettings is the replenishment rule used by pkg/flowbudget.
type FlowBudgetSettings struct {
	PerEpoch int64 `yaml:"per_epoch"`
	Cap      int64 `yaml:"cap"`
}

// LeakageSettings is the per-observer-class cap vector used by
// pkg/leakage, keyed by class name for YAML readability.
type LeakageSettings struct {
	SelfOnlyBits     int64 `yaml:"self_only_bits"`
	GroupInternalBits int64 `yaml:"group_internal_bits"`
	ExternalBits     int64 `yaml:"external_bits"`
}

// StorageSettings configures the production KV backend (pkg/storage).
type StorageSettings struct {
	Backend string `yaml:"backend"` // "memory" | "goleveldb"
	DataDir string `yaml:"data_dir"`
	DBName  string `yaml:"db_name"`
}

// Policy is the top-level configuration struct, mirroring the teacher's
// AnchorConfig field-group layout (network/server/database sections
// become identity/threshold/budget/timeout sections here).
type Policy struct {
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`

	Threshold  ThresholdSettings  `yaml:"threshold"`
	TTLs       TTLSettings        `yaml:"ttls"`
	FlowBudget FlowBudgetSettings `yaml:"flow_budget"`
	Leakage    LeakageSettings    `yaml:"leakage"`
	Storage    StorageSettings    `yaml:"storage"`
}

// Default returns a development-appropriate Policy, used by cmd/auradevnet
// and tests when no YAML file is supplied.
func Default() Policy {
	return Policy{
		Environment: "development",
		Version:     "0.1.0",
		Threshold:   ThresholdSettings{Threshold: 2, Total: 3, RecoveryGuardianThreshold: 2},
		TTLs: TTLSettings{
			CapabilityTTLEpochs:     1000,
			FreshnessBoundEpochs:    5,
			SigningSessionTTLEpochs: 10,
			RecoveryCooldown:        Duration(24 * time.Hour),
			IntentTimeout:           Duration(30 * time.Second),
			DefaultOperationTimeout: Duration(30 * time.Second),
		},
		FlowBudget: FlowBudgetSettings{PerEpoch: 1000, Cap: 10000},
		Leakage:    LeakageSettings{SelfOnlyBits: 1 << 20, GroupInternalBits: 1 << 16, ExternalBits: 1 << 10},
		Storage:    StorageSettings{Backend: "memory"},
	}
}

var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(:-([^}]*))?\}`)

func substituteEnvVars(content string) string {
	return envVarPattern.ReplaceAllStringFunc(content, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultValue := ""
		if len(groups) >= 4 {
			defaultValue = groups[3]
		}
		if v := os.Getenv(varName); v != "" {
			return v
		}
		return defaultValue
	})
}

// Load reads a YAML policy file from path, substituting ${VAR} /
// ${VAR:-default} references against the process environment first.
func Load(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("policy: read %s: %w", path, err)
	}
	expanded := substituteEnvVars(string(data))
	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Policy{}, fmt.Errorf("policy: parse %s: %w", path, err)
	}
	return cfg, nil
}
