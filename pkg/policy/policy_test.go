package policy

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultIsInternallyConsistent(t *testing.T) {
	p := Default()
	require.Less(t, p.Threshold.Threshold, p.Threshold.Total+1)
	require.Greater(t, p.Threshold.Threshold, 0)
	require.Greater(t, p.FlowBudget.Cap, p.FlowBudget.PerEpoch)
}

func TestLoadSubstitutesEnvVarsAndParsesDurations(t *testing.T) {
	t.Setenv("AURA_THRESHOLD", "3")
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	contents := `
environment: production
threshold:
  threshold: ${AURA_THRESHOLD}
  total: 5
  recovery_guardian_threshold: 3
ttls:
  capability_ttl_epochs: 2000
  freshness_bound_epochs: 8
  signing_session_ttl_epochs: 20
  recovery_cooldown: 48h
  intent_timeout: 45s
  default_operation_timeout: ${AURA_OP_TIMEOUT:-1m}
flow_budget:
  per_epoch: 500
  cap: 5000
leakage:
  self_only_bits: 100
  group_internal_bits: 50
  external_bits: 10
storage:
  backend: goleveldb
  data_dir: /var/lib/aura
  db_name: aura
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "production", cfg.Environment)
	require.Equal(t, 3, cfg.Threshold.Threshold)
	require.Equal(t, 48*time.Hour, cfg.TTLs.RecoveryCooldown.AsDuration())
	require.Equal(t, 45*time.Second, cfg.TTLs.IntentTimeout.AsDuration())
	require.Equal(t, time.Minute, cfg.TTLs.DefaultOperationTimeout.AsDuration())
	require.Equal(t, "goleveldb", cfg.Storage.Backend)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
