package bot

import (
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"news-digest-bot/internal/domain"
	"news-digest-bot/internal/usecase/digest"
	"news-digest-bot/internal/usecase/library"
)

const libraryTitleLimit = 80

// saveKeyboard строит кнопки сохранения под дайджестом.
// Уже сохранённые статьи помечаются и ведут на пустой ответ.
func saveKeyboard(articles []domain.Article, saved map[string]struct{}) *tgbotapi.InlineKeyboardMarkup {
	if len(articles) == 0 {
		return nil
	}
	var rows [][]tgbotapi.InlineKeyboardButton
	var row []tgbotapi.InlineKeyboardButton
	for i, a := range articles {
		label := fmt.Sprintf("💾 %d", i+1)
		data := "save:" + a.ExternalID
		if _, ok := saved[a.ExternalID]; ok {
			label = fmt.Sprintf("✅ %d", i+1)
			data = "saved:" + a.ExternalID
		}
		row = append(row, tgbotapi.NewInlineKeyboardButtonData(label, data))
		if len(row) == 5 {
			rows = append(rows, row)
			row = nil
		}
	}
	if len(row) > 0 {
		rows = append(rows, row)
	}
	markup := tgbotapi.NewInlineKeyboardMarkup(rows...)
	return &markup
}

// slotKeyboard строит клавиатуру выбора времени рассылки.
// Выбранные слоты помечаются галочкой.
func slotKeyboard(selected map[string]struct{}) *tgbotapi.InlineKeyboardMarkup {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(schedulePresets)+2)
	for _, preset := range schedulePresets {
		row := make([]tgbotapi.InlineKeyboardButton, 0, len(preset))
		for _, t := range preset {
			label := t
			if _, ok := selected[t]; ok {
				label = "✅ " + t
			}
			row = append(row, tgbotapi.NewInlineKeyboardButtonData(label, "slot:"+t))
		}
		rows = append(rows, row)
	}
	rows = append(rows, tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("💾 Сохранить", "schedule_save"),
		tgbotapi.NewInlineKeyboardButtonData("✖️ Отмена", "schedule_cancel"),
	))
	rows = append(rows, tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("🔁 Вкл/выкл рассылку", "schedule_toggle"),
	))
	markup := tgbotapi.NewInlineKeyboardMarkup(rows...)
	return &markup
}

// buildLibraryView отрисовывает страницу библиотеки и её клавиатуру.
func buildLibraryView(page library.Page) (string, *tgbotapi.InlineKeyboardMarkup) {
	if page.Total == 0 {
		return "📚 Библиотека пуста.\nСохраняйте статьи кнопками под дайджестом — /digest", nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "📚 *Сохранённые статьи* (%d)\n\n", page.Total)
	for i, item := range page.Items {
		num := page.Number*library.PageSize + i + 1
		title := item.Article.Title
		if len([]rune(title)) > libraryTitleLimit {
			title = string([]rune(title)[:libraryTitleLimit]) + "..."
		}
		source := item.Article.SourceName
		if source == "" {
			source = "Источник"
		}
		fmt.Fprintf(&b, "%d. *%s*\n   %s · сохранено %s\n   %s\n\n",
			num, digest.EscapeMarkdown(title), source, formatSavedDate(item.SavedAt), item.Article.URL)
	}
	fmt.Fprintf(&b, "Страница %d из %d", page.Number+1, page.TotalPages)

	var rows [][]tgbotapi.InlineKeyboardButton
	var deleteRow []tgbotapi.InlineKeyboardButton
	for i := range page.Items {
		num := page.Number*library.PageSize + i + 1
		deleteRow = append(deleteRow, tgbotapi.NewInlineKeyboardButtonData(
			fmt.Sprintf("🗑 %d", num),
			fmt.Sprintf("lib_del:%d:%d", page.Number, i),
		))
	}
	rows = append(rows, deleteRow)

	if page.TotalPages > 1 {
		var nav []tgbotapi.InlineKeyboardButton
		if page.Number > 0 {
			nav = append(nav, tgbotapi.NewInlineKeyboardButtonData("⬅️", fmt.Sprintf("lib_page:%d", page.Number-1)))
		}
		nav = append(nav, tgbotapi.NewInlineKeyboardButtonData(
			fmt.Sprintf("%d/%d", page.Number+1, page.TotalPages),
			fmt.Sprintf("lib_page:%d", page.Number),
		))
		if page.Number+1 < page.TotalPages {
			nav = append(nav, tgbotapi.NewInlineKeyboardButtonData("➡️", fmt.Sprintf("lib_page:%d", page.Number+1)))
		}
		rows = append(rows, nav)
	}

	markup := tgbotapi.NewInlineKeyboardMarkup(rows...)
	return b.String(), &markup
}

func formatSavedDate(t time.Time) string {
	return t.Format("02.01.2006")
}
