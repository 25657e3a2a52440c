package notify

import (
	"fmt"
	"html"
	"strings"
	"time"
)

func renderSubject(n Notification) string {
	return fmt.Sprintf("Price alert: %s is %s %s %s", strings.ToUpper(n.CoinID), n.Direction, n.TargetPrice, n.Currency)
}

func renderText(n Notification) string {
	builder := strings.Builder{}
	builder.WriteString("[Price Alert]\n")
	builder.WriteString(fmt.Sprintf("Coin: %s\n", n.CoinID))
	builder.WriteString(fmt.Sprintf("Current: %s %s\n", n.CurrentPrice, n.Currency))
	builder.WriteString(fmt.Sprintf("Target: %s %s (%s)\n", n.TargetPrice, n.Currency, n.Direction))
	builder.WriteString(fmt.Sprintf("Triggered: %s UTC\n", n.TriggeredAt.UTC().Format(time.RFC3339)))
	if n.Note != "" {
		builder.WriteString(fmt.Sprintf("Note: %s\n", n.Note))
	}
	return builder.String()
}

func renderHTML(n Notification) string {
	builder := strings.Builder{}
	builder.WriteString("<h2>Price alert triggered</h2><table>")
	row := func(label, value string) {
		builder.WriteString("<tr><td><b>")
		builder.WriteString(html.EscapeString(label))
		builder.WriteString("</b></td><td>")
		builder.WriteString(html.EscapeString(value))
		builder.WriteString("</td></tr>")
	}
	row("Coin", n.CoinID)
	row("Current price", n.CurrentPrice+" "+n.Currency)
	row("Target", n.TargetPrice+" "+n.Currency+" ("+n.Direction+")")
	row("Triggered", n.TriggeredAt.UTC().Format(time.RFC3339))
	if n.Note != "" {
		row("Note", n.Note)
	}
	builder.WriteString("</table>")
	return builder.String()
}

func renderSMS(n Notification) string {
	return fmt.Sprintf("%s %s %s %s: now %s", strings.ToUpper(n.CoinID), n.Direction, n.TargetPrice, n.Currency, n.CurrentPrice)
}
