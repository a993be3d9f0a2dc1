package digest

import (
	"fmt"
	"strings"
	"time"
)

const (
	header       = "📰 *Ваш дайджест новостей*\n\n"
	topicsLine   = "_Темы: %s_\n\n"
	separator    = "\n———\n\n"
	footer       = "\n\n💾 Нажмите кнопку под сообщением, чтобы сохранить статью"
	maxDescLen   = 200
	topicsInLine = 5
)

// sourceFallback подставляется вместо пустого имени источника.
const sourceFallback = "Источник"

var markdownReplacer = strings.NewReplacer(
	"*", "\\*", "_", "\\_", "[", "\\[", "]", "\\]",
	"(", "\\(", ")", "\\)", "~", "\\~", "`", "\\`",
	">", "\\>", "#", "\\#", "+", "\\+", "-", "\\-",
	"=", "\\=", "|", "\\|", "{", "\\{", "}", "\\}",
	".", "\\.", "!", "\\!",
)

// EscapeMarkdown экранирует служебные символы Telegram-разметки.
func EscapeMarkdown(text string) string {
	return markdownReplacer.Replace(text)
}

// FormatMessage превращает результат сборки в текст сообщения.
// Пустая строка означает «нечего отправлять», а не пустое сообщение.
func FormatMessage(result Result) string {
	return formatMessage(result, time.Now())
}

func formatMessage(result Result, now time.Time) string {
	if len(result.Articles) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString(header)

	if len(result.Topics) > 0 {
		shown := result.Topics
		if len(shown) > topicsInLine {
			shown = shown[:topicsInLine]
		}
		topicsStr := strings.Join(shown, ", ")
		if len(result.Topics) > topicsInLine {
			topicsStr += fmt.Sprintf(" (+%d)", len(result.Topics)-topicsInLine)
		}
		fmt.Fprintf(&b, topicsLine, topicsStr)
	}

	for i, article := range result.Articles {
		source := article.SourceName
		if source == "" {
			source = sourceFallback
		}

		fmt.Fprintf(&b, "%d. *%s*\n", i+1, EscapeMarkdown(article.Title))
		if desc := truncate(article.Description, maxDescLen); desc != "" {
			b.WriteString(EscapeMarkdown(desc))
			if len([]rune(article.Description)) > maxDescLen {
				b.WriteString("...")
			}
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "\n📍 %s · %s\n🔗 %s\n", source, formatTimeAgo(now, article.PublishedAt), article.URL)

		if i < len(result.Articles)-1 {
			b.WriteString(separator)
		}
	}

	b.WriteString(footer)
	return b.String()
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}

// formatTimeAgo возвращает человекочитаемую давность публикации.
// Моменты сравниваются в UTC.
func formatTimeAgo(now, published time.Time) string {
	seconds := int(now.UTC().Sub(published.UTC()).Seconds())
	switch {
	case seconds < 60:
		return "только что"
	case seconds < 3600:
		return fmt.Sprintf("%d мин. назад", seconds/60)
	case seconds < 86400:
		return fmt.Sprintf("%d ч. назад", seconds/3600)
	case seconds < 604800:
		return fmt.Sprintf("%d дн. назад", seconds/86400)
	default:
		return published.Format("02.01.2006")
	}
}
