package processing

import (
	"fmt"
	"html"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/DeafMist/filing-radar/internal/models"
	"github.com/DeafMist/filing-radar/internal/tickers"
)

var (
	tagRegex   = regexp.MustCompile(`<[^>]+>`)
	whitespace = regexp.MustCompile(`[ \t]+`)
)

// maxRows caps each list in a message so alerts stay under the bot limit.
const maxRows = 10

// TickerResolver maps a CUSIP to a ticker symbol.
type TickerResolver interface {
	Resolve(cusip string) string
}

// FilingView carries everything needed to render one filing alert.
type FilingView struct {
	Entry   models.WatchlistEntry
	Filing  models.FilingRecord
	Ticker  string
	URL     string
	Insider *models.InsiderReport
	Diff    *models.HoldingsDiff
	Tickers TickerResolver
}

// EscapeHTML escapes the characters Telegram's HTML mode treats as markup.
func EscapeHTML(text string) string {
	return strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;").Replace(text)
}

// StripTags turns a rendered HTML alert into plain text for logs.
func StripTags(input string) string {
	if input == "" {
		return ""
	}
	text := tagRegex.ReplaceAllString(input, "")
	text = html.UnescapeString(text)
	text = whitespace.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

// Render builds the HTML body of a filing alert.
func Render(v FilingView) string {
	switch {
	case v.Filing.FormType == models.Form13F && v.Diff != nil:
		return render13F(v)
	case v.Filing.FormType == models.Form4 && v.Insider != nil:
		return renderForm4(v)
	case v.Filing.FormType == models.Form144:
		return render144(v)
	default:
		return renderBasic(v)
	}
}

// RenderError builds the alert sent when an entity could not be processed.
func RenderError(entry models.WatchlistEntry, err error) string {
	return fmt.Sprintf("<b>⚠️ Error processing %s (CIK %s): %s</b>",
		EscapeHTML(entry.Name), EscapeHTML(entry.CIK), EscapeHTML(err.Error()))
}

func header(b *strings.Builder, title string, v FilingView) {
	fmt.Fprintf(b, "<b>%s</b>\n", title)
	fmt.Fprintf(b, "<b>🏢 %s</b> (%s)\n", EscapeHTML(v.Entry.Name), EscapeHTML(tickerOrNA(v.Ticker)))
	fmt.Fprintf(b, "<b>📅 %s</b>\n", formatDate(v.Filing.FilingDate))
	fmt.Fprintf(b, "<b>Form:</b> %s\n", EscapeHTML(string(v.Filing.FormType)))
	fmt.Fprintf(b, "<b>Accession:</b> %s\n", EscapeHTML(v.Filing.AccessionNumber))
	if v.Entry.Notes != "" {
		fmt.Fprintf(b, "<i>%s</i>\n", EscapeHTML(v.Entry.Notes))
	}
}

func footer(b *strings.Builder, v FilingView) {
	if v.URL != "" {
		fmt.Fprintf(b, "\n🔗 <a href=\"%s\">View filing</a>", html.EscapeString(v.URL))
	}
}

func renderBasic(v FilingView) string {
	var b strings.Builder
	header(&b, fmt.Sprintf("📄 Form %s filed", EscapeHTML(string(v.Filing.FormType))), v)
	footer(&b, v)
	return b.String()
}

func render144(v FilingView) string {
	var b strings.Builder
	header(&b, "📜 Form 144 — Insider Sale Notice", v)
	footer(&b, v)
	return b.String()
}

func renderForm4(v FilingView) string {
	var b strings.Builder
	header(&b, "🧾 Form 4 — Insider Trades", v)
	if v.Insider.Owner != "" {
		fmt.Fprintf(&b, "👤 %s\n", EscapeHTML(v.Insider.Owner))
	}
	b.WriteString("\n")

	summaries := AggregateTrades(v.Insider.Trades, v.Entry.Name)
	allOwn := true
	for _, s := range summaries {
		if !s.Own {
			allOwn = false
			break
		}
	}

	switch {
	case len(summaries) == 0:
		b.WriteString("<i>No non-derivative transactions reported.</i>\n")
	case allOwn:
		for _, s := range summaries {
			fmt.Fprintf(&b, "• <b>Own stock</b> %s: %s shares @ $%.2f\n",
				codeLabel(s.Code), FormatNumber(int64(s.Shares)), s.AvgPrice)
		}
		fmt.Fprintf(&b, "<i>(All trades were for %s's own stock.)</i>\n", EscapeHTML(v.Entry.Name))
	default:
		// Mixed filings list only the external securities.
		for _, s := range summaries {
			if s.Own {
				continue
			}
			fmt.Fprintf(&b, "• <b>%s</b> %s: %s shares @ $%.2f\n",
				EscapeHTML(s.Security), codeLabel(s.Code), FormatNumber(int64(s.Shares)), s.AvgPrice)
		}
	}

	footer(&b, v)
	return b.String()
}

func render13F(v FilingView) string {
	d := v.Diff
	var b strings.Builder
	fmt.Fprintf(&b, "<b>📊 13F Update for %s</b>\n", EscapeHTML(v.Entry.Name))
	if d.PreviousDate.IsZero() {
		fmt.Fprintf(&b, "<b>Filed:</b> %s (no earlier 13F to compare)\n", formatDate(d.LatestDate))
	} else {
		fmt.Fprintf(&b, "<b>Comparing:</b> %s → %s\n", formatDate(d.PreviousDate), formatDate(d.LatestDate))
	}
	fmt.Fprintf(&b, "<b>Form:</b> %s\n", EscapeHTML(string(v.Filing.FormType)))
	fmt.Fprintf(&b, "<b>Accession:</b> %s\n\n", EscapeHTML(v.Filing.AccessionNumber))

	holdingLine := func(h models.Holding) string {
		return fmt.Sprintf("• %s (%s) — %s shares ($%s)\n",
			EscapeHTML(h.Issuer), EscapeHTML(resolve(v.Tickers, h.CUSIP)), FormatNumber(h.Shares), FormatNumber(h.ValueUSD))
	}
	changeLine := func(c models.HoldingChange) string {
		return fmt.Sprintf("• %s (%s) — %s → %s shares\n",
			EscapeHTML(c.Issuer), EscapeHTML(resolve(v.Tickers, c.CUSIP)), FormatNumber(c.OldShares), FormatNumber(c.NewShares))
	}

	if len(d.NewBuys) > 0 {
		fmt.Fprintf(&b, "<b>🟢 New Buys (%d)</b>\n", len(d.NewBuys))
		for i, h := range d.NewBuys {
			if i == maxRows {
				fmt.Fprintf(&b, "<i>…and %d more</i>\n", len(d.NewBuys)-maxRows)
				break
			}
			b.WriteString(holdingLine(h))
		}
	}
	if len(d.Exits) > 0 {
		fmt.Fprintf(&b, "\n<b>❌ Exits (%d)</b>\n", len(d.Exits))
		for i, h := range d.Exits {
			if i == maxRows {
				fmt.Fprintf(&b, "<i>…and %d more</i>\n", len(d.Exits)-maxRows)
				break
			}
			b.WriteString(holdingLine(h))
		}
	}
	if len(d.Increases) > 0 {
		fmt.Fprintf(&b, "\n<b>🔼 Increases (%d)</b>\n", len(d.Increases))
		for i, c := range d.Increases {
			if i == maxRows {
				fmt.Fprintf(&b, "<i>…and %d more</i>\n", len(d.Increases)-maxRows)
				break
			}
			b.WriteString(changeLine(c))
		}
	}
	if len(d.Reductions) > 0 {
		fmt.Fprintf(&b, "\n<b>🔽 Reductions (%d)</b>\n", len(d.Reductions))
		for i, c := range d.Reductions {
			if i == maxRows {
				fmt.Fprintf(&b, "<i>…and %d more</i>\n", len(d.Reductions)-maxRows)
				break
			}
			b.WriteString(changeLine(c))
		}
	}
	if len(d.NewBuys)+len(d.Exits)+len(d.Increases)+len(d.Reductions) == 0 {
		b.WriteString("<i>No position changes detected.</i>\n")
	}

	b.WriteString("\n<i>🕒 Automated scan completed.</i>")
	footer(&b, v)
	return b.String()
}

// FormatNumber renders n with thousands separators.
func FormatNumber(n int64) string {
	neg := n < 0
	if neg {
		n = -n
	}
	digits := strconv.FormatInt(n, 10)
	var out strings.Builder
	if neg {
		out.WriteByte('-')
	}
	lead := len(digits) % 3
	if lead == 0 {
		lead = 3
	}
	out.WriteString(digits[:lead])
	for i := lead; i < len(digits); i += 3 {
		out.WriteByte(',')
		out.WriteString(digits[i : i+3])
	}
	return out.String()
}

func codeLabel(code string) string {
	switch code {
	case "P":
		return "bought"
	case "S":
		return "sold"
	case "A":
		return "granted"
	case "M":
		return "exercised"
	case "F":
		return "withheld"
	case "G":
		return "gifted"
	case "":
		return "traded"
	default:
		return "code " + EscapeHTML(code)
	}
}

func resolve(r TickerResolver, cusip string) string {
	if r == nil {
		return tickers.Unknown
	}
	return r.Resolve(cusip)
}

func tickerOrNA(t string) string {
	if strings.TrimSpace(t) == "" {
		return tickers.Unknown
	}
	return t
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return "unknown date"
	}
	return t.Format(time.DateOnly)
}
