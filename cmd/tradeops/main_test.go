package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePolicy(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestPolicyValidateExitCodes(t *testing.T) {
	good := writePolicy(t, "portfolio:\n  max_positions: 10\n")
	assert.Equal(t, exitOK, execute([]string{"policy", "validate", "--config", good, "--log-level", "error"}))

	bad := writePolicy(t, "portfolio:\n  max_position_weight: 0.5\n")
	assert.Equal(t, exitBlocked, execute([]string{"policy", "validate", "--config", bad, "--log-level", "error"}))

	assert.Equal(t, exitError, execute([]string{"policy", "validate", "--config", filepath.Join(t.TempDir(), "missing.yaml"), "--log-level", "error"}))
}

func TestSelftestCommandPasses(t *testing.T) {
	out := t.TempDir()
	policy := writePolicy(t, "artifacts:\n  dir: "+t.TempDir()+"\n")

	code := execute([]string{"selftest", "--config", policy, "--out", out, "--log-level", "error"})
	require.Equal(t, exitOK, code)

	reports, err := filepath.Glob(filepath.Join(out, "selftest_*.md"))
	require.NoError(t, err)
	assert.Len(t, reports, 1)
}

func TestInvalidInputsFailBeforeConnecting(t *testing.T) {
	policy := writePolicy(t, "account:\n  base_currency: GBP\n")

	assert.Equal(t, exitError, execute([]string{"alert", "emit", "--type", "NOPE", "--summary", "x", "--config", policy, "--log-level", "error"}))
	assert.Equal(t, exitError, execute([]string{"ticket", "render", "--config", policy, "--log-level", "error"}))
	assert.Equal(t, exitError, execute([]string{"snapshot", "add", "--cash", "10", "--config", policy, "--log-level", "error"}))
	assert.Equal(t, exitError, execute([]string{"run", "--asof", "2026-13-01", "--config", policy, "--log-level", "error"}))
}

func TestUnknownLogLevel(t *testing.T) {
	assert.Equal(t, exitError, execute([]string{"policy", "validate", "--log-level", "loud"}))
}
