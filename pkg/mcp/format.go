package mcp

import (
	"fmt"
	"strings"

	"github.com/baatcheet/keyrouter/pkg/models"
)

const timeLayout = "2006-01-02 15:04:05"

// formatHealthReport formats the full health report as text.
func formatHealthReport(r models.HealthReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Status: %s (%d/%d providers with capacity)\n",
		r.Status, r.Summary.ActiveProviders, r.Summary.TotalProviders)
	fmt.Fprintf(&b, "Used today: %d of %d\n\n", r.Summary.TotalUsed, r.Summary.TotalCapacity)
	b.WriteString(formatProviderHealth(r.Providers))
	return b.String()
}

// formatProviderHealth formats provider health rows as a text table.
func formatProviderHealth(rows []models.ProviderHealth) string {
	if len(rows) == 0 {
		return "No providers configured."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-12s %6s %10s %10s %10s %7s %-10s\n",
		"Provider", "Keys", "Available", "Capacity", "Used", "Used%", "Breaker")
	b.WriteString(strings.Repeat("-", 71) + "\n")
	for _, h := range rows {
		breaker := h.Breaker
		if breaker == "" {
			breaker = "-"
		}
		fmt.Fprintf(&b, "%-12s %6d %10d %10d %10d %6.1f%% %-10s\n",
			h.Provider, h.TotalKeys, h.AvailableKeys, h.DailyCapacity, h.UsedToday, h.PercentUsed, breaker)
	}
	return b.String()
}

// formatKeyDetails formats per-key diagnostics as a text table.
func formatKeyDetails(provider models.Provider, details []models.KeyDetail) string {
	if len(details) == 0 {
		return fmt.Sprintf("No keys configured for %s.", provider)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%4s  %-9s %12s %9s %-20s %s\n",
		"Key", "Available", "Used/Cap", "Failures", "Window Start", "Reason")
	b.WriteString(strings.Repeat("-", 80) + "\n")
	for _, d := range details {
		window := "-"
		if !d.WindowStartedAt.IsZero() {
			window = d.WindowStartedAt.Format(timeLayout)
		}
		fmt.Fprintf(&b, "%4d  %-9t %12s %9d %-20s %s\n",
			d.Index, d.Available, fmt.Sprintf("%d/%d", d.UsedToday, d.DailyCapacity),
			d.FailuresToday, window, d.ExhaustedReason)
	}
	return b.String()
}

// formatUsage formats ledger summaries as a text table.
func formatUsage(rows []models.UsageSummary) string {
	if len(rows) == 0 {
		return "No usage data found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-12s %4s %9s %7s %10s %7s %8s\n",
		"Provider", "Key", "Success", "Quota", "Transient", "Fatal", "Total")
	b.WriteString(strings.Repeat("-", 63) + "\n")
	for _, r := range rows {
		fmt.Fprintf(&b, "%-12s %4d %9d %7d %10d %7d %8d\n",
			r.Provider, r.KeyIndex, r.Successes, r.QuotaExceeded, r.Transient, r.Fatal, r.Total)
	}
	return b.String()
}
