package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// InvoiceNumberPrefix is the per-year prefix shared by every invoice number
// issued in year, e.g. "INV-2024-".
func InvoiceNumberPrefix(year int) string {
	return fmt.Sprintf("INV-%d-", year)
}

// FormatInvoiceNumber renders the persisted, customer-facing invoice number.
// The format is stored and printed, so it must not change.
func FormatInvoiceNumber(year int, seq int) string {
	return fmt.Sprintf("INV-%d-%04d", year, seq)
}

// ParseInvoiceSequence extracts the sequence number of an invoice issued in
// year. Numbers from other years or with a non-numeric suffix report false.
func ParseInvoiceSequence(number string, year int) (int, bool) {
	prefix := InvoiceNumberPrefix(year)
	if !strings.HasPrefix(number, prefix) {
		return 0, false
	}
	suffix := number[len(prefix):]
	if suffix == "" || strings.ContainsFunc(suffix, func(r rune) bool { return r < '0' || r > '9' }) {
		return 0, false
	}
	seq, err := strconv.Atoi(suffix)
	if err != nil {
		return 0, false
	}
	return seq, true
}

var categoryIcons = map[string]string{
	"beverage": "☕",
	"coffee":   "☕",
	"tea":      "🍵",
	"snacks":   "🍪",
	"food":     "🍔",
	"dessert":  "🍰",
}

// CategoryIcon is the icon used for new products that were created without one.
func CategoryIcon(category string) string {
	if icon, ok := categoryIcons[strings.ToLower(strings.TrimSpace(category))]; ok {
		return icon
	}
	return "📦"
}
