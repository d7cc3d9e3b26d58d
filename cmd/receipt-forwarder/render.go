package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/zombor/ai-receipts/internal/forwarder"
	"github.com/zombor/ai-receipts/internal/provider"
	"github.com/zombor/ai-receipts/internal/registry"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true)
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#6b7280"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#16a34a"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#d97706"))
	errStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#dc2626"))
)

func outcomeStyle(outcome string) lipgloss.Style {
	switch outcome {
	case "accepted":
		return successStyle
	case "duplicate", "unidentified":
		return warnStyle
	case "error":
		return errStyle
	default:
		return mutedStyle
	}
}

func renderScanReport(report *forwarder.ScanReport) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Scan summary") + "\n")
	fmt.Fprintf(&b, "  processed     %d\n", report.Processed)
	fmt.Fprintf(&b, "  accepted      %s\n", successStyle.Render(fmt.Sprint(report.Accepted)))
	fmt.Fprintf(&b, "  forwarded     %s\n", successStyle.Render(fmt.Sprint(report.Forwarded)))
	fmt.Fprintf(&b, "  recovered     %d\n", report.Recovered)
	fmt.Fprintf(&b, "  duplicates    %s\n", warnStyle.Render(fmt.Sprint(report.Duplicates)))
	fmt.Fprintf(&b, "  unidentified  %s\n", warnStyle.Render(fmt.Sprint(report.Unidentified)))
	fmt.Fprintf(&b, "  rejected      %s\n", mutedStyle.Render(fmt.Sprint(report.Rejected)))
	fmt.Fprintf(&b, "  errors        %s\n", errStyle.Render(fmt.Sprint(report.Errors)))

	for _, item := range report.Items {
		if item.Outcome == "rejected" {
			continue
		}
		line := fmt.Sprintf("  %-12s %s", item.Outcome, item.Subject)
		if item.Amount != nil && item.Currency != "" {
			line += fmt.Sprintf(" (%s %.2f)", item.Currency, *item.Amount)
		}
		if item.Error != "" {
			line += " " + item.Error
		}
		b.WriteString(outcomeStyle(item.Outcome).Render(line) + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderMonthlyReport(report *forwarder.MonthlyReport) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Receipts for "+report.Month) + "\n")
	if len(report.Totals) == 0 {
		b.WriteString(mutedStyle.Render("  no receipts"))
		return b.String()
	}
	for _, t := range report.Totals {
		fmt.Fprintf(&b, "  %-20s %-4s %3d  %s\n", t.Provider, t.Currency, t.Count, successStyle.Render(t.Amount.StringFixed(2)))
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderRegistryStats(s registry.Stats) string {
	return fmt.Sprintf("%s\n  invoices  %d\n  triplets  %d", titleStyle.Render("Registry"), s.Invoices, s.Triplets)
}

func renderProviders(providers []provider.Provider) string {
	var b strings.Builder
	for _, p := range providers {
		b.WriteString(titleStyle.Render(p.Name) + " " + mutedStyle.Render(p.Service) + "\n")
		for _, s := range p.Senders {
			b.WriteString("  " + s + "\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
