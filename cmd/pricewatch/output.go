package main

import (
	"fmt"
	"os"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printSuccess(format string, args ...any) {
	fmt.Fprintln(os.Stderr, colorize(colorGreen, "✓ "+fmt.Sprintf(format, args...)))
}

func printError(format string, args ...any) {
	fmt.Fprintln(os.Stderr, colorize(colorRed, "✗ "+fmt.Sprintf(format, args...)))
}

func printWarning(format string, args ...any) {
	fmt.Fprintln(os.Stderr, colorize(colorYellow, "⚠ "+fmt.Sprintf(format, args...)))
}

func printStatus(label string, format string, args ...any) {
	l := colorize(colorBold, label+":")
	fmt.Fprintf(os.Stderr, "  %s %s\n", l, fmt.Sprintf(format, args...))
}

// formatPrice renders an amount with its currency code.
func formatPrice(amount float64, currency string) string {
	return fmt.Sprintf("%.2f %s", amount, currency)
}
