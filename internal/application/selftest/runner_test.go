package selftest

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunAllTestsPasses(t *testing.T) {
	dir := t.TempDir()
	runner := NewRunner(dir)

	results, err := runner.RunAllTests(context.Background())
	require.NoError(t, err)

	for _, r := range results.Tests {
		assert.Equal(t, StatusPass, r.Status, "%s: %s %v", r.Name, r.Message, r.Details)
	}
	assert.True(t, results.Passed())
	assert.Equal(t, 5, results.TotalCount)

	out := filepath.Join(dir, "report", "selftest.md")
	require.NoError(t, runner.GenerateReport(results, out))
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(data), "**Overall Status:** PASS")
	assert.Contains(t, string(data), "### [PASS] Confirmation Loop")
}

type failing struct{}

func (failing) Name() string { return "Always Fails" }

func (failing) Validate(context.Context) TestResult {
	rec := newRecorder("Always Fails")
	rec.check(true, "first check holds")
	rec.check(false, "second check breaks")
	rec.check(false, "third check breaks")
	return rec.done("unused")
}

func TestFailingValidatorFailsRun(t *testing.T) {
	runner := &Runner{validators: []Validator{failing{}, NewReconcileToleranceValidator()}}

	results, err := runner.RunAllTests(context.Background())
	require.NoError(t, err)
	assert.False(t, results.Passed())
	assert.Equal(t, 1, results.FailedCount)
	assert.Equal(t, 1, results.PassedCount)

	first := results.Tests[0]
	assert.Equal(t, "second check breaks", first.Message)
	assert.Equal(t, []string{"first check holds", "FAILED: second check breaks", "FAILED: third check breaks"}, first.Details)
}

func TestCancelledContextStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewRunner(t.TempDir()).RunAllTests(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
