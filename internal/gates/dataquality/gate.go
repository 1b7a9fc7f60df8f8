// Package dataquality decides whether staged end-of-day market data is
// complete and sane enough to size trades against.
package dataquality

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/peterwi/project-f/internal/config"
	"github.com/peterwi/project-f/internal/domain"
	"github.com/peterwi/project-f/internal/persistence"
)

// Resolution explains how the as-of date was chosen
type Resolution struct {
	Today      time.Time `json:"-"`
	Expected   time.Time `json:"-"`
	AsOf       time.Time `json:"-"`
	FellBack   bool      `json:"fell_back"`
	Overridden bool      `json:"overridden"`
}

// ResolveAsOf picks the trading date to evaluate. The expected date is the
// last weekday before today; when benchmarks have no bar there (holiday) the
// latest benchmark date on or before it is used instead. A non-zero override wins.
func ResolveAsOf(today, override, latestBenchmark time.Time) Resolution {
	res := Resolution{
		Today:    domain.DateOf(today),
		Expected: domain.PriorWeekday(today),
	}

	switch {
	case !override.IsZero():
		res.AsOf = domain.DateOf(override)
		res.Overridden = true
	case !latestBenchmark.IsZero() && domain.DateOf(latestBenchmark).Before(res.Expected):
		res.AsOf = domain.DateOf(latestBenchmark)
		res.FellBack = true
	default:
		res.AsOf = res.Expected
	}

	return res
}

// Flags is the closed set of data-quality problems the gate knows about
type Flags struct {
	NoEnabledSymbols       bool `json:"no_enabled_symbols"`
	MissingBenchmark       bool `json:"missing_benchmark"`
	CoverageBelowThreshold bool `json:"coverage_below_threshold"`
	DuplicateBars          bool `json:"duplicate_bars"`
	NullAdjClose           bool `json:"null_adj_close"`
	PriceSanity            bool `json:"price_sanity"`
	BenchmarkStale         bool `json:"benchmark_stale"`
}

// Any reports whether at least one flag is raised
func (f Flags) Any() bool {
	return f.NoEnabledSymbols || f.MissingBenchmark || f.CoverageBelowThreshold ||
		f.DuplicateBars || f.NullAdjClose || f.PriceSanity || f.BenchmarkStale
}

// Raised lists the names of raised flags in declaration order
func (f Flags) Raised() []string {
	var out []string
	add := func(on bool, name string) {
		if on {
			out = append(out, name)
		}
	}
	add(f.NoEnabledSymbols, "no_enabled_symbols")
	add(f.MissingBenchmark, "missing_benchmark")
	add(f.CoverageBelowThreshold, "coverage_below_threshold")
	add(f.DuplicateBars, "duplicate_bars")
	add(f.NullAdjClose, "null_adj_close")
	add(f.PriceSanity, "price_sanity")
	add(f.BenchmarkStale, "benchmark_stale")
	return out
}

// Check is a single measured criterion
type Check struct {
	Name        string      `json:"name"`
	Passed      bool        `json:"passed"`
	Value       interface{} `json:"value"`     // Actual measured value
	Threshold   interface{} `json:"threshold"` // Required threshold
	Description string      `json:"description"`
}

// Input is everything the gate needs, pre-loaded
type Input struct {
	Resolution Resolution
	Universe   []domain.UniverseEntry
	Bars       []domain.PriceBar // Bars on the resolved as-of date
	Duplicates []domain.BarKey
}

// Report is the gate outcome
type Report struct {
	Passed            bool            `json:"passed"`
	Today             string          `json:"today"`
	ExpectedAsOf      string          `json:"expected_asof"`
	AsOf              string          `json:"asof_date"`
	Resolution        Resolution      `json:"resolution"`
	Flags             Flags           `json:"flags"`
	Checks            []Check         `json:"checks"`
	EnabledCount      int             `json:"enabled_count"`
	CoveredCount      int             `json:"covered_count"`
	CoveragePct       decimal.Decimal `json:"coverage_pct"`
	MissingSymbols    []string        `json:"missing_symbols"`
	MissingBenchmarks []string        `json:"missing_benchmarks"`
	Duplicates        []domain.BarKey `json:"duplicates"`
	NullAdjClose      []string        `json:"null_adj_close_symbols"`
	InsanePrices      []string        `json:"insane_price_symbols"`
}

// Evaluate applies the policy to in. It performs no I/O.
func Evaluate(in Input, policy config.DataQualityConfig) Report {
	res := in.Resolution
	report := Report{
		Today:             domain.FormatDate(res.Today),
		ExpectedAsOf:      domain.FormatDate(res.Expected),
		AsOf:              domain.FormatDate(res.AsOf),
		Resolution:        res,
		MissingSymbols:    []string{},
		MissingBenchmarks: []string{},
		Duplicates:        []domain.BarKey{},
		NullAdjClose:      []string{},
		InsanePrices:      []string{},
	}

	bars := make(map[string]domain.PriceBar, len(in.Bars))
	for _, b := range in.Bars {
		bars[b.Symbol] = b
	}

	// Benchmarks
	for _, sym := range sortedUnique(policy.Benchmarks) {
		if _, ok := bars[sym]; !ok {
			report.MissingBenchmarks = append(report.MissingBenchmarks, sym)
		}
	}
	report.Flags.MissingBenchmark = len(report.MissingBenchmarks) > 0
	report.Checks = append(report.Checks, Check{
		Name:        "benchmarks_present",
		Passed:      !report.Flags.MissingBenchmark,
		Value:       len(policy.Benchmarks) - len(report.MissingBenchmarks),
		Threshold:   len(policy.Benchmarks),
		Description: fmt.Sprintf("Benchmarks with a bar on %s", report.AsOf),
	})

	// Staleness of the resolved date against the expected date
	staleDays := int(res.Expected.Sub(res.AsOf).Hours() / 24)
	if staleDays < 0 {
		staleDays = 0
	}
	report.Flags.BenchmarkStale = policy.MaxBenchmarkStaleDays > 0 && !res.Overridden &&
		staleDays > policy.MaxBenchmarkStaleDays
	report.Checks = append(report.Checks, Check{
		Name:        "benchmark_freshness",
		Passed:      !report.Flags.BenchmarkStale,
		Value:       staleDays,
		Threshold:   policy.MaxBenchmarkStaleDays,
		Description: "Calendar days between the expected and resolved as-of date",
	})

	// Coverage over enabled symbols
	var enabled []string
	for _, u := range in.Universe {
		if u.Enabled {
			enabled = append(enabled, u.Symbol)
		}
	}
	enabled = sortedUnique(enabled)
	report.EnabledCount = len(enabled)
	report.Flags.NoEnabledSymbols = len(enabled) == 0

	for _, sym := range enabled {
		if _, ok := bars[sym]; ok {
			report.CoveredCount++
		} else {
			report.MissingSymbols = append(report.MissingSymbols, sym)
		}
	}
	covered := decimal.NewFromInt(int64(report.CoveredCount)).Mul(decimal.NewFromInt(100))
	enabledCount := decimal.NewFromInt(int64(report.EnabledCount))
	report.CoveragePct = decimal.Zero
	if report.EnabledCount > 0 {
		report.CoveragePct = covered.Div(enabledCount).Round(2)
	}
	threshold := config.Dec(policy.CoverageMinPct)
	// compared exactly; CoveragePct is rounded for display only
	report.Flags.CoverageBelowThreshold = report.EnabledCount > 0 && covered.LessThan(threshold.Mul(enabledCount))
	report.Checks = append(report.Checks, Check{
		Name:        "coverage",
		Passed:      !report.Flags.CoverageBelowThreshold && !report.Flags.NoEnabledSymbols,
		Value:       report.CoveragePct.String(),
		Threshold:   threshold.String(),
		Description: "Percent of enabled symbols with a bar on the as-of date",
	})

	// Duplicates
	report.Duplicates = append(report.Duplicates, in.Duplicates...)
	sort.Slice(report.Duplicates, func(i, j int) bool {
		a, b := report.Duplicates[i], report.Duplicates[j]
		if !a.TradingDate.Equal(b.TradingDate) {
			return a.TradingDate.Before(b.TradingDate)
		}
		if a.Symbol != b.Symbol {
			return a.Symbol < b.Symbol
		}
		return a.Source < b.Source
	})
	report.Flags.DuplicateBars = len(report.Duplicates) > 0
	report.Checks = append(report.Checks, Check{
		Name:        "duplicates",
		Passed:      !report.Flags.DuplicateBars,
		Value:       len(report.Duplicates),
		Threshold:   0,
		Description: "Rows sharing (symbol, trading_date, source)",
	})

	// Per-bar sanity, restricted to bars the pipeline will consume
	relevant := make(map[string]bool, len(enabled)+len(policy.Benchmarks))
	for _, sym := range enabled {
		relevant[sym] = true
	}
	for _, sym := range policy.Benchmarks {
		relevant[sym] = true
	}
	for _, sym := range sortedKeys(bars) {
		if !relevant[sym] {
			continue
		}
		b := bars[sym]
		if !b.Close.IsPositive() || b.High.LessThan(b.Low) {
			report.InsanePrices = append(report.InsanePrices, sym)
		}
		if policy.RequireAdjClose && !b.AdjClose.Valid {
			report.NullAdjClose = append(report.NullAdjClose, sym)
		}
	}
	report.Flags.PriceSanity = len(report.InsanePrices) > 0
	report.Flags.NullAdjClose = len(report.NullAdjClose) > 0
	report.Checks = append(report.Checks,
		Check{
			Name:        "price_sanity",
			Passed:      !report.Flags.PriceSanity,
			Value:       len(report.InsanePrices),
			Threshold:   0,
			Description: "Bars with non-positive close or high below low",
		},
		Check{
			Name:        "adj_close",
			Passed:      !report.Flags.NullAdjClose,
			Value:       len(report.NullAdjClose),
			Threshold:   0,
			Description: "Bars missing an adjusted close",
		},
	)

	report.Passed = !report.Flags.Any()
	return report
}

// Reasons converts a failing report into a block reason
func (r Report) Reasons() []domain.Reason {
	if r.Passed {
		return nil
	}
	return []domain.Reason{{
		Code:    domain.ReasonDataQualityFail,
		Message: fmt.Sprintf("Market data for %s failed: %s", r.AsOf, strings.Join(r.Flags.Raised(), ", ")),
		Detail: map[string]interface{}{
			"asof_date":          r.AsOf,
			"flags":              r.Flags.Raised(),
			"coverage_pct":       r.CoveragePct.String(),
			"missing_benchmarks": r.MissingBenchmarks,
		},
	}}
}

// Markdown renders the report for operators
func (r Report) Markdown() string {
	var b strings.Builder
	status := "PASS"
	if !r.Passed {
		status = "FAIL"
	}
	fmt.Fprintf(&b, "# Data quality gate: %s\n\n", status)
	fmt.Fprintf(&b, "- Today: %s\n", r.Today)
	fmt.Fprintf(&b, "- Expected as-of: %s\n", r.ExpectedAsOf)
	fmt.Fprintf(&b, "- Resolved as-of: %s", r.AsOf)
	switch {
	case r.Resolution.Overridden:
		b.WriteString(" (override)")
	case r.Resolution.FellBack:
		b.WriteString(" (fallback to latest benchmark date)")
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "- Coverage: %s%% (%d/%d enabled)\n\n", r.CoveragePct.StringFixed(2), r.CoveredCount, r.EnabledCount)

	b.WriteString("| Check | Result | Value | Threshold |\n|---|---|---|---|\n")
	for _, c := range r.Checks {
		result := "ok"
		if !c.Passed {
			result = "FAIL"
		}
		fmt.Fprintf(&b, "| %s | %s | %v | %v |\n", c.Name, result, c.Value, c.Threshold)
	}

	list := func(title string, items []string) {
		if len(items) == 0 {
			return
		}
		fmt.Fprintf(&b, "\n## %s\n\n", title)
		for _, it := range items {
			fmt.Fprintf(&b, "- %s\n", it)
		}
	}
	list("Missing benchmarks", r.MissingBenchmarks)
	list("Missing symbols", r.MissingSymbols)
	list("Price sanity failures", r.InsanePrices)
	list("Null adjusted close", r.NullAdjClose)
	if len(r.Duplicates) > 0 {
		b.WriteString("\n## Duplicate rows\n\n")
		for _, d := range r.Duplicates {
			fmt.Fprintf(&b, "- %s %s %s x%d\n", d.Symbol, domain.FormatDate(d.TradingDate), d.Source, d.Count)
		}
	}

	return b.String()
}

// Gate loads market data and evaluates it
type Gate struct {
	market persistence.MarketRepo
	policy config.DataQualityConfig
}

// NewGate creates a data-quality gate over the market repository
func NewGate(market persistence.MarketRepo, policy config.DataQualityConfig) *Gate {
	return &Gate{market: market, policy: policy}
}

// Check resolves the as-of date and evaluates the data staged for it.
// A zero override means resolve from today.
func (g *Gate) Check(ctx context.Context, today, override time.Time) (Report, error) {
	var latest time.Time
	if override.IsZero() {
		found, ok, err := g.market.LatestBenchmarkDate(ctx, g.policy.Benchmarks, domain.PriorWeekday(today))
		if err != nil {
			return Report{}, fmt.Errorf("failed to resolve benchmark date: %w", err)
		}
		if ok {
			latest = found
		}
	}
	res := ResolveAsOf(today, override, latest)

	universe, err := g.market.Universe(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("failed to load universe: %w", err)
	}
	bars, err := g.market.BarsOn(ctx, res.AsOf)
	if err != nil {
		return Report{}, fmt.Errorf("failed to load bars for %s: %w", domain.FormatDate(res.AsOf), err)
	}
	dups, err := g.market.DuplicateBars(ctx, res.AsOf)
	if err != nil {
		return Report{}, fmt.Errorf("failed to scan duplicate bars: %w", err)
	}

	return Evaluate(Input{
		Resolution: res,
		Universe:   universe,
		Bars:       bars,
		Duplicates: dups,
	}, g.policy), nil
}

func sortedUnique(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

func sortedKeys(m map[string]domain.PriceBar) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
