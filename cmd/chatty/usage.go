package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/nugget/chatty/internal/usage"
)

// runUsage reports token usage over a trailing window such as "7d" or
// "12h". Days are accepted since time.ParseDuration has no unit for
// them.
func runUsage(ctx context.Context, stdout, stderr io.Writer, opts options, args []string) error {
	window := 24 * time.Hour
	if len(args) > 0 {
		d, err := parseWindow(args[0])
		if err != nil {
			return err
		}
		window = d
	}

	a, cleanup, err := setup(stderr, opts, true)
	if err != nil {
		return err
	}
	defer cleanup(ctx)

	end := time.Now()
	start := end.Add(-window)
	total, err := a.usage.Summary(ctx, start, end)
	if err != nil {
		return err
	}
	byModel, err := a.usage.SummaryByModel(ctx, start, end)
	if err != nil {
		return err
	}

	if opts.outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"start":    start.UTC(),
			"end":      end.UTC(),
			"total":    total,
			"by_model": byModel,
		})
	}

	if total.Turns == 0 {
		fmt.Fprintf(stdout, "No turns in the last %s.\n", window)
		return nil
	}
	fmt.Fprintf(stdout, "%-24s %6s %10s %10s %10s\n", "MODEL", "TURNS", "INPUT", "OUTPUT", "COST")
	for _, model := range slices.Sorted(maps.Keys(byModel)) {
		writeUsageRow(stdout, model, byModel[model])
	}
	writeUsageRow(stdout, "total", total)
	return nil
}

func writeUsageRow(w io.Writer, label string, s *usage.Summary) {
	if label == "" {
		label = "(unknown)"
	}
	fmt.Fprintf(w, "%-24s %6d %10d %10d %10s\n", label, s.Turns, s.InputTokens, s.OutputTokens, fmt.Sprintf("$%.4f", s.CostUSD))
}

// parseWindow accepts a Go duration or a whole number of days ("7d").
func parseWindow(s string) (time.Duration, error) {
	var d time.Duration
	var err error
	if days, ok := strings.CutSuffix(s, "d"); ok {
		var n int
		n, err = strconv.Atoi(days)
		d = time.Duration(n) * 24 * time.Hour
	} else {
		d, err = time.ParseDuration(s)
	}
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("usage window must be a positive duration such as 24h or 7d: %q", s)
	}
	return d, nil
}
