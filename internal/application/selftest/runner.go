// Package selftest runs the whole decision pipeline offline against the
// in-memory store and reports whether its safety properties hold.
package selftest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Test statuses
const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusSkip = "SKIP"
)

// TestResult represents the result of a single test
type TestResult struct {
	Name      string        `json:"name"`
	Status    string        `json:"status"` // PASS, FAIL, SKIP
	Duration  time.Duration `json:"duration"`
	Message   string        `json:"message,omitempty"`
	Details   []string      `json:"details,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// TestResults holds all test results
type TestResults struct {
	OverallStatus string        `json:"overall_status"` // PASS, FAIL
	TotalCount    int           `json:"total_count"`
	PassedCount   int           `json:"passed_count"`
	FailedCount   int           `json:"failed_count"`
	SkippedCount  int           `json:"skipped_count"`
	StartTime     time.Time     `json:"start_time"`
	EndTime       time.Time     `json:"end_time"`
	Duration      time.Duration `json:"duration"`
	Tests         []TestResult  `json:"tests"`
}

// Passed reports whether no test failed
func (r *TestResults) Passed() bool {
	return r.OverallStatus == StatusPass
}

// Runner executes self-tests
type Runner struct {
	validators []Validator
}

// Validator is one self-contained scenario
type Validator interface {
	Name() string
	Validate(ctx context.Context) TestResult
}

// NewRunner creates a runner whose scenarios keep their artifacts under workDir
func NewRunner(workDir string) *Runner {
	return &Runner{
		validators: []Validator{
			NewArtifactValidator(filepath.Join(workDir, "artifacts")),
			NewFailClosedValidator(filepath.Join(workDir, "fail_closed")),
			NewDeterminismValidator(filepath.Join(workDir, "determinism")),
			NewConfirmationLoopValidator(filepath.Join(workDir, "confirmation_loop")),
			NewReconcileToleranceValidator(),
		},
	}
}

// RunAllTests executes all configured tests
func (r *Runner) RunAllTests(ctx context.Context) (*TestResults, error) {
	results := &TestResults{
		StartTime: time.Now(),
		Tests:     make([]TestResult, 0, len(r.validators)),
	}

	for _, validator := range r.validators {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		result := validator.Validate(ctx)
		results.Tests = append(results.Tests, result)

		switch result.Status {
		case StatusPass:
			results.PassedCount++
		case StatusFail:
			results.FailedCount++
		case StatusSkip:
			results.SkippedCount++
		}

		log.Debug().
			Str("test", result.Name).
			Str("status", result.Status).
			Dur("duration", result.Duration).
			Msg("Self-test finished")
	}

	results.EndTime = time.Now()
	results.Duration = results.EndTime.Sub(results.StartTime)
	results.TotalCount = len(results.Tests)

	if results.FailedCount == 0 {
		results.OverallStatus = StatusPass
	} else {
		results.OverallStatus = StatusFail
	}

	return results, nil
}

// GenerateReport creates a markdown report
func (r *Runner) GenerateReport(results *TestResults, outputPath string) error {
	dir := filepath.Dir(outputPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	var sb strings.Builder

	sb.WriteString("# Trade Ops Self-Test Report\n\n")
	sb.WriteString(fmt.Sprintf("**Generated:** %s\n", results.EndTime.UTC().Format("2006-01-02 15:04:05 UTC")))
	sb.WriteString(fmt.Sprintf("**Duration:** %s\n", results.Duration.Round(time.Millisecond)))
	sb.WriteString(fmt.Sprintf("**Overall Status:** %s\n\n", results.OverallStatus))

	sb.WriteString("## Summary\n\n")
	sb.WriteString(fmt.Sprintf("- **Total Tests:** %d\n", results.TotalCount))
	sb.WriteString(fmt.Sprintf("- **Passed:** %d\n", results.PassedCount))
	sb.WriteString(fmt.Sprintf("- **Failed:** %d\n", results.FailedCount))
	sb.WriteString(fmt.Sprintf("- **Skipped:** %d\n\n", results.SkippedCount))

	sb.WriteString("## Test Results\n\n")

	for _, test := range results.Tests {
		sb.WriteString(fmt.Sprintf("### [%s] %s\n\n", test.Status, test.Name))
		sb.WriteString(fmt.Sprintf("- **Duration:** %s\n", test.Duration.Round(time.Millisecond)))

		if test.Message != "" {
			sb.WriteString(fmt.Sprintf("- **Message:** %s\n", test.Message))
		}

		if len(test.Details) > 0 {
			sb.WriteString("- **Details:**\n")
			for _, detail := range test.Details {
				sb.WriteString(fmt.Sprintf("  - %s\n", detail))
			}
		}

		sb.WriteString("\n")
	}

	if err := os.WriteFile(outputPath, []byte(sb.String()), 0644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}

	return nil
}

// recorder accumulates checks for one validator
type recorder struct {
	result TestResult
	start  time.Time
}

func newRecorder(name string) *recorder {
	start := time.Now()
	return &recorder{
		result: TestResult{Name: name, Timestamp: start, Details: []string{}},
		start:  start,
	}
}

// check records detail and fails the test when ok is false
func (r *recorder) check(ok bool, detail string) bool {
	if ok {
		r.result.Details = append(r.result.Details, detail)
		return true
	}
	r.result.Details = append(r.result.Details, "FAILED: "+detail)
	if r.result.Status != StatusFail {
		r.result.Status = StatusFail
		r.result.Message = detail
	}
	return false
}

// fail stops the test on an unexpected error
func (r *recorder) fail(format string, args ...interface{}) TestResult {
	r.result.Status = StatusFail
	r.result.Message = fmt.Sprintf(format, args...)
	return r.done("")
}

func (r *recorder) done(message string) TestResult {
	if r.result.Status == "" {
		r.result.Status = StatusPass
		r.result.Message = message
	}
	r.result.Duration = time.Since(r.start)
	return r.result
}
