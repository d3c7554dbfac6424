package rules

import (
	"fmt"
	"html"
	"strings"

	"tgrelay/internal/model"
)

// applyReplacements runs the rule's replace rules in insertion order.
// Invalid regex patterns are skipped rather than failing the message.
func applyReplacements(text string, reps []model.ReplaceRule) string {
	for _, r := range reps {
		if r.IsRegex {
			re, err := compileCached(r.Pattern)
			if err != nil {
				continue
			}
			text = re.ReplaceAllString(text, r.Replacement)
		} else {
			text = strings.ReplaceAll(text, r.Pattern, r.Replacement)
		}
	}
	return text
}

// sourceHeader renders the "from <chat>" attribution line for the
// configured message mode.
func sourceHeader(mode model.MessageMode, chat *model.Chat, msgID int64) string {
	title := chat.Title
	if title == "" {
		title = chat.Username
	}
	if chat.Username == "" {
		return "from " + title
	}
	link := fmt.Sprintf("https://t.me/%s/%d", chat.Username, msgID)
	switch mode {
	case model.RenderMarkdown:
		return fmt.Sprintf("from [%s](%s)", title, link)
	case model.RenderHTML:
		return fmt.Sprintf(`from <a href="%s">%s</a>`, link, html.EscapeString(title))
	default:
		return fmt.Sprintf("from %s (%s)", title, link)
	}
}

// injectSource prepends the attribution header. Re-applying on already
// transformed text is a no-op so re-evaluation stays stable.
func injectSource(text, header string) string {
	if header == "" || strings.HasPrefix(text, header) {
		return text
	}
	if text == "" {
		return header
	}
	return header + "\n\n" + text
}
