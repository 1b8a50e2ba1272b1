package cli

import (
	"strings"

	"github.com/Rhymond/go-money"
	"github.com/charmbracelet/lipgloss"
	"github.com/shopspring/decimal"

	"github.com/jask/jaskledger/internal/journal"
)

// Catppuccin Mocha, the subset the report output uses.
const (
	colorPink     lipgloss.Color = "#f5c2e7"
	colorRed      lipgloss.Color = "#f38ba8"
	colorPeach    lipgloss.Color = "#fab387"
	colorYellow   lipgloss.Color = "#f9e2af"
	colorGreen    lipgloss.Color = "#a6e3a1"
	colorTeal     lipgloss.Color = "#94e2d5"
	colorLavender lipgloss.Color = "#b4befe"
	colorSubtext0 lipgloss.Color = "#a6adc8"
	colorOverlay1 lipgloss.Color = "#7f849c"
)

const (
	colorBrand   = colorPink
	colorSuccess = colorGreen
	colorError   = colorRed
	colorWarning = colorYellow
	colorInfo    = colorTeal
)

var (
	titleStyle       = lipgloss.NewStyle().Foreground(colorBrand).Bold(true)
	tableHeaderStyle = lipgloss.NewStyle().Foreground(colorLavender).Bold(true)
	dimStyle         = lipgloss.NewStyle().Foreground(colorOverlay1)
	statusStyle      = lipgloss.NewStyle().Foreground(colorSubtext0)
	okStyle          = lipgloss.NewStyle().Foreground(colorSuccess)
	warnStyle        = lipgloss.NewStyle().Foreground(colorWarning)
	errStyle         = lipgloss.NewStyle().Foreground(colorError).Bold(true)
	infoStyle        = lipgloss.NewStyle().Foreground(colorInfo)
	pendingStyle     = lipgloss.NewStyle().Foreground(colorPeach)

	creditStyle = lipgloss.NewStyle().Foreground(colorSuccess)
	debitStyle  = lipgloss.NewStyle().Foreground(colorError)
)

const defaultCommodity = "USD"

// formatAmount renders amount in the currency's own format. Unknown
// commodities fall back to a plain decimal followed by the code.
func formatAmount(amount decimal.Decimal, commodity string) string {
	code := strings.ToUpper(strings.TrimSpace(commodity))
	if code == "" {
		code = defaultCommodity
	}
	cur := money.GetCurrency(code)
	if cur == nil {
		return amount.String() + " " + commodity
	}
	minor := amount.Shift(int32(cur.Fraction)).Round(0)
	return cur.Formatter().Format(minor.IntPart())
}

func styleAmount(amount decimal.Decimal, commodity string) string {
	s := formatAmount(amount, commodity)
	if amount.IsNegative() {
		return debitStyle.Render(s)
	}
	return creditStyle.Render(s)
}

func styleStatus(s journal.Status) string {
	switch s {
	case journal.Cleared:
		return okStyle.Render(s.String())
	case journal.Pending:
		return pendingStyle.Render(s.String())
	default:
		return dimStyle.Render(s.String())
	}
}

func padRight(s string, width int) string {
	if width <= 0 {
		return s
	}
	w := lipgloss.Width(s)
	if w >= width {
		return s
	}
	return s + strings.Repeat(" ", width-w)
}

func padLeft(s string, width int) string {
	w := lipgloss.Width(s)
	if w >= width {
		return s
	}
	return strings.Repeat(" ", width-w) + s
}
