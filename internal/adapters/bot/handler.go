package bot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"news-digest-bot/internal/adapters/telegram"
	"news-digest-bot/internal/domain"
	"news-digest-bot/internal/infra/metrics"
	"news-digest-bot/internal/usecase/digest"
	"news-digest-bot/internal/usecase/library"
	"news-digest-bot/internal/usecase/schedule"
	"news-digest-bot/internal/usecase/topics"
)

// slotLimit — максимум времён рассылки в день.
const slotLimit = 3

var schedulePresets = [][]string{
	{"08:00", "09:00", "12:00"},
	{"15:00", "18:00", "21:00"},
}

// Handler обслуживает вебхук бота.
type Handler struct {
	bot        *tgbotapi.BotAPI
	log        zerolog.Logger
	users      domain.UserRepo
	digestUC   *digest.Service
	topicsUC   *topics.Service
	libraryUC  *library.Service
	scheduleUC *schedule.Service

	mu            sync.Mutex
	pendingTopics map[int64]struct{}
	pendingSlots  map[int64]map[string]struct{}
}

// NewHandler создаёт обработчик.
func NewHandler(bot *tgbotapi.BotAPI, log zerolog.Logger, users domain.UserRepo, digestUC *digest.Service, topicsUC *topics.Service, libraryUC *library.Service, scheduleUC *schedule.Service) *Handler {
	return &Handler{
		bot:           bot,
		log:           log,
		users:         users,
		digestUC:      digestUC,
		topicsUC:      topicsUC,
		libraryUC:     libraryUC,
		scheduleUC:    scheduleUC,
		pendingTopics: make(map[int64]struct{}),
		pendingSlots:  make(map[int64]map[string]struct{}),
	}
}

// HandleUpdate обрабатывает входящий апдейт.
func (h *Handler) HandleUpdate(ctx context.Context, upd tgbotapi.Update) {
	if upd.Message != nil {
		h.handleMessage(ctx, upd.Message)
	} else if upd.CallbackQuery != nil {
		h.handleCallback(ctx, upd.CallbackQuery)
	}
}

func (h *Handler) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From == nil {
		h.reply(msg.Chat.ID, "Не удалось определить пользователя", nil)
		return
	}
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		if h.tryHandleTopicsInput(ctx, msg.Chat.ID, msg.From, text) {
			return
		}
		h.reply(msg.Chat.ID, "Неизвестная команда. Используйте /help", nil)
		return
	}
	switch {
	case strings.HasPrefix(text, "/start"):
		h.handleStart(ctx, msg)
	case strings.HasPrefix(text, "/help"):
		h.handleHelp(msg.Chat.ID)
	case strings.HasPrefix(text, "/digest"):
		h.handleDigest(ctx, msg.Chat.ID, msg.From)
	case strings.HasPrefix(text, "/settings"):
		h.handleSettings(ctx, msg.Chat.ID, msg.From.ID)
	case strings.HasPrefix(text, "/library"):
		h.handleLibrary(ctx, msg.Chat.ID, msg.From.ID)
	case strings.HasPrefix(text, "/schedule"):
		h.handleSchedule(ctx, msg.Chat.ID, msg.From.ID)
	case strings.HasPrefix(text, "/stats"):
		h.handleStats(ctx, msg.Chat.ID, msg.From.ID)
	default:
		h.reply(msg.Chat.ID, "Неизвестная команда. Используйте /help", nil)
	}
}

func (h *Handler) handleStart(ctx context.Context, msg *tgbotapi.Message) {
	user, created, err := h.users.GetOrCreate(ctx, profileFrom(msg.From))
	if err != nil {
		h.log.Error().Err(err).Int64("user", msg.From.ID).Msg("не удалось сохранить профиль")
		h.reply(msg.Chat.ID, "Не удалось сохранить профиль. Попробуйте позже", nil)
		return
	}
	name := user.FirstName
	if name == "" {
		name = "друг"
	}
	greeting := fmt.Sprintf("👋 С возвращением, %s!", name)
	if created {
		greeting = fmt.Sprintf("👋 Привет, %s! Я соберу для вас персональный дайджест новостей.", name)
	}
	lines := []string{
		greeting,
		"",
		"Как пользоваться ботом:",
		"1. ⚙️ Настройте темы интересов — /settings.",
		"2. 📰 Получите дайджест — /digest.",
		"3. 💾 Сохраняйте статьи кнопками под дайджестом, список — /library.",
		"4. 🗓 Настройте автоматическую рассылку — /schedule.",
	}
	h.reply(msg.Chat.ID, strings.Join(lines, "\n"), h.mainKeyboard())
}

func (h *Handler) handleHelp(chatID int64) {
	sections := []string{
		"📖 Команды бота:",
		"",
		"• /digest — собрать дайджест по вашим темам.",
		"• /settings — задать темы интересов (до 10, через запятую).",
		"• /library — сохранённые статьи.",
		"• /schedule — автоматическая рассылка по расписанию.",
		"• /stats — ваша статистика.",
		"",
		"Подсказка: кнопки под сообщениями дублируют команды.",
	}
	h.reply(chatID, strings.Join(sections, "\n"), h.mainKeyboard())
}

func (h *Handler) handleDigest(ctx context.Context, chatID int64, from *tgbotapi.User) {
	result := h.digestUC.Generate(ctx, from.ID)
	switch {
	case errors.Is(result.Err, digest.ErrNoTopics):
		h.reply(chatID, "Сначала настройте темы интересов командой /settings", nil)
		return
	case errors.Is(result.Err, domain.ErrRateLimited):
		h.reply(chatID, "Источник новостей сейчас перегружен. Попробуйте через несколько минут", nil)
		return
	case errors.Is(result.Err, digest.ErrAPIUnavailable):
		h.reply(chatID, "Не удалось получить новости. Попробуйте позже", nil)
		return
	case result.Err != nil:
		h.reply(chatID, "Что-то пошло не так. Попробуйте позже", nil)
		return
	}

	text := digest.FormatMessage(result)
	if text == "" {
		h.reply(chatID, "По вашим темам пока ничего не нашлось. Загляните позже", nil)
		return
	}

	h.libraryUC.StoreArticles(ctx, result.Articles)
	ids := make([]string, 0, len(result.Articles))
	for _, a := range result.Articles {
		ids = append(ids, a.ExternalID)
	}
	saved, err := h.libraryUC.SavedSet(ctx, from.ID, ids)
	if err != nil {
		h.log.Error().Err(err).Int64("user", from.ID).Msg("не удалось получить сохранённые статьи")
		saved = map[string]struct{}{}
	}
	h.replyMarkdown(chatID, text, saveKeyboard(result.Articles, saved))
}

func (h *Handler) handleSettings(ctx context.Context, chatID, tgUserID int64) {
	list, err := h.topicsUC.List(ctx, tgUserID)
	if err != nil {
		h.reply(chatID, "Не удалось получить темы. Попробуйте позже", nil)
		return
	}
	var lines []string
	if len(list) == 0 {
		lines = append(lines, "У вас пока нет тем.")
	} else {
		names := make([]string, 0, len(list))
		for _, t := range list {
			names = append(names, t.Name)
		}
		lines = append(lines, fmt.Sprintf("Ваши темы: %s.", strings.Join(names, ", ")))
	}
	lines = append(lines,
		"",
		"Отправьте новый список тем через запятую, например:",
		"технологии, космос, криптовалюты",
		"",
		fmt.Sprintf("Не больше %d тем, каждая от 2 до 100 символов. Новый список заменит старый.", h.topicsUC.MaxTopics()),
	)
	h.setPendingTopics(tgUserID)
	h.reply(chatID, strings.Join(lines, "\n"), nil)
}

func (h *Handler) tryHandleTopicsInput(ctx context.Context, chatID int64, from *tgbotapi.User, text string) bool {
	h.mu.Lock()
	_, pending := h.pendingTopics[from.ID]
	h.mu.Unlock()
	if !pending {
		return false
	}
	if text == "" {
		h.reply(chatID, "Отправьте темы через запятую, например: технологии, космос", nil)
		return true
	}

	saved, err := h.topicsUC.Save(ctx, profileFrom(from), parseTopicsInput(text))
	if err != nil {
		switch {
		case errors.Is(err, topics.ErrTooShort), errors.Is(err, topics.ErrTooLong),
			errors.Is(err, topics.ErrDuplicate), errors.Is(err, topics.ErrTooMany),
			errors.Is(err, topics.ErrEmpty):
			h.reply(chatID, fmt.Sprintf("Не получилось сохранить: %v. Попробуйте ещё раз", err), nil)
		default:
			h.log.Error().Err(err).Int64("user", from.ID).Msg("не удалось сохранить темы")
			h.reply(chatID, "Не удалось сохранить темы. Попробуйте позже", nil)
		}
		return true
	}

	h.clearPendingTopics(from.ID)
	h.digestUC.Invalidate(from.ID)
	names := make([]string, 0, len(saved))
	for _, t := range saved {
		names = append(names, t.Name)
	}
	h.reply(chatID, fmt.Sprintf("Темы сохранены: %s.\nТеперь запросите дайджест — /digest", strings.Join(names, ", ")), h.mainKeyboard())
	return true
}

func (h *Handler) handleLibrary(ctx context.Context, chatID, tgUserID int64) {
	page, err := h.libraryUC.GetPage(ctx, tgUserID, 0)
	if err != nil {
		h.log.Error().Err(err).Int64("user", tgUserID).Msg("не удалось получить библиотеку")
		h.reply(chatID, "Не удалось получить библиотеку. Попробуйте позже", nil)
		return
	}
	text, keyboard := buildLibraryView(page)
	h.replyMarkdown(chatID, text, keyboard)
}

func (h *Handler) editLibraryPage(ctx context.Context, chatID int64, messageID int, tgUserID int64, pageNum int) {
	page, err := h.libraryUC.GetPage(ctx, tgUserID, pageNum)
	if err != nil {
		h.log.Error().Err(err).Int64("user", tgUserID).Msg("не удалось получить библиотеку")
		return
	}
	text, keyboard := buildLibraryView(page)
	var edit tgbotapi.Chattable
	if keyboard != nil {
		e := tgbotapi.NewEditMessageTextAndMarkup(chatID, messageID, text, *keyboard)
		e.ParseMode = tgbotapi.ModeMarkdown
		edit = e
	} else {
		e := tgbotapi.NewEditMessageText(chatID, messageID, text)
		e.ParseMode = tgbotapi.ModeMarkdown
		edit = e
	}
	start := time.Now()
	_, err = h.bot.Send(edit)
	metrics.ObserveNetworkRequest("telegram_bot", "edit_message", strconv.FormatInt(chatID, 10), start, err)
	if err != nil {
		h.log.Error().Err(err).Msg("не удалось обновить страницу библиотеки")
	}
}

func (h *Handler) handleSchedule(ctx context.Context, chatID, tgUserID int64) {
	current, err := h.scheduleUC.Get(ctx, tgUserID)
	selected := make(map[string]struct{})
	var lines []string
	switch {
	case errors.Is(err, domain.ErrNotFound):
		lines = append(lines, "Автоматическая рассылка пока не настроена.")
	case err != nil:
		h.reply(chatID, "Не удалось получить расписание. Попробуйте позже", nil)
		return
	default:
		status := "выключена"
		if current.IsActive {
			status = "включена"
		}
		lines = append(lines, fmt.Sprintf("Рассылка %s: %s (%s).", status, strings.Join(current.Times, ", "), current.Timezone))
		for _, t := range current.Times {
			selected[t] = struct{}{}
		}
	}
	lines = append(lines,
		"",
		fmt.Sprintf("Выберите до %d времён доставки и нажмите «Сохранить».", slotLimit),
	)

	h.mu.Lock()
	h.pendingSlots[tgUserID] = selected
	h.mu.Unlock()

	h.reply(chatID, strings.Join(lines, "\n"), slotKeyboard(selected))
}

func (h *Handler) handleStats(ctx context.Context, chatID, tgUserID int64) {
	topicsList, err := h.topicsUC.List(ctx, tgUserID)
	if err != nil {
		h.reply(chatID, "Не удалось получить статистику. Попробуйте позже", nil)
		return
	}
	savedCount, err := h.libraryUC.Count(ctx, tgUserID)
	if err != nil {
		h.reply(chatID, "Не удалось получить статистику. Попробуйте позже", nil)
		return
	}

	scheduleLine := "не настроена"
	current, err := h.scheduleUC.Get(ctx, tgUserID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
	case err != nil:
		h.reply(chatID, "Не удалось получить статистику. Попробуйте позже", nil)
		return
	case current.IsActive:
		scheduleLine = fmt.Sprintf("включена (%s)", strings.Join(current.Times, ", "))
	default:
		scheduleLine = "выключена"
	}

	lines := []string{
		"📊 Ваша статистика:",
		"",
		fmt.Sprintf("• Тем интересов: %d", len(topicsList)),
		fmt.Sprintf("• Сохранённых статей: %d", savedCount),
		fmt.Sprintf("• Рассылка: %s", scheduleLine),
	}
	h.reply(chatID, strings.Join(lines, "\n"), nil)
}

func (h *Handler) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	data := cb.Data
	answer := ""
	switch {
	case data == "digest_now":
		h.handleDigest(ctx, cb.Message.Chat.ID, cb.From)
	case data == "settings_menu":
		h.handleSettings(ctx, cb.Message.Chat.ID, cb.From.ID)
	case data == "library_menu":
		h.handleLibrary(ctx, cb.Message.Chat.ID, cb.From.ID)
	case data == "schedule_menu":
		h.handleSchedule(ctx, cb.Message.Chat.ID, cb.From.ID)
	case data == "stats_menu":
		h.handleStats(ctx, cb.Message.Chat.ID, cb.From.ID)
	case data == "help_menu":
		h.handleHelp(cb.Message.Chat.ID)
	case strings.HasPrefix(data, "save:"):
		answer = h.handleSaveArticle(ctx, cb, strings.TrimPrefix(data, "save:"))
	case strings.HasPrefix(data, "saved:"):
		answer = "Статья уже в библиотеке"
	case strings.HasPrefix(data, "lib_page:"):
		if pageNum, err := strconv.Atoi(strings.TrimPrefix(data, "lib_page:")); err == nil {
			h.editLibraryPage(ctx, cb.Message.Chat.ID, cb.Message.MessageID, cb.From.ID, pageNum)
		}
	case strings.HasPrefix(data, "lib_del:"):
		answer = h.handleLibraryDelete(ctx, cb, strings.TrimPrefix(data, "lib_del:"))
	case strings.HasPrefix(data, "slot:"):
		answer = h.handleSlotToggle(cb, strings.TrimPrefix(data, "slot:"))
	case data == "schedule_save":
		h.handleScheduleSave(ctx, cb.Message.Chat.ID, cb.From)
	case data == "schedule_cancel":
		h.clearPendingSlots(cb.From.ID)
		h.reply(cb.Message.Chat.ID, "Настройка расписания отменена", nil)
	case data == "schedule_toggle":
		h.handleScheduleToggle(ctx, cb.Message.Chat.ID, cb.From.ID)
	}

	start := time.Now()
	_, err := h.bot.Request(tgbotapi.NewCallback(cb.ID, answer))
	metrics.ObserveNetworkRequest("telegram_bot", "answer_callback", strconv.FormatInt(cb.From.ID, 10), start, err)
	if err != nil {
		h.log.Error().Err(err).Msg("не удалось ответить на callback")
	}
}

func (h *Handler) handleSaveArticle(ctx context.Context, cb *tgbotapi.CallbackQuery, externalID string) string {
	if externalID == "" {
		return "Некорректная статья"
	}
	_, added, err := h.libraryUC.SaveByExternalID(ctx, profileFrom(cb.From), externalID)
	if err != nil {
		h.log.Error().Err(err).Int64("user", cb.From.ID).Str("external_id", externalID).Msg("не удалось сохранить статью")
		return "Не удалось сохранить статью"
	}
	if !added {
		return "Статья уже в библиотеке"
	}
	return "💾 Статья сохранена"
}

func (h *Handler) handleLibraryDelete(ctx context.Context, cb *tgbotapi.CallbackQuery, payload string) string {
	pageNum, index, err := parsePageIndex(payload)
	if err != nil {
		return "Некорректная кнопка"
	}
	removed, err := h.libraryUC.DeleteAt(ctx, cb.From.ID, pageNum, index)
	if err != nil {
		h.log.Error().Err(err).Int64("user", cb.From.ID).Msg("не удалось удалить статью")
		return "Не удалось удалить статью"
	}
	if !removed {
		return "Статья уже удалена"
	}
	h.editLibraryPage(ctx, cb.Message.Chat.ID, cb.Message.MessageID, cb.From.ID, pageNum)
	return "Статья удалена"
}

func (h *Handler) handleSlotToggle(cb *tgbotapi.CallbackQuery, slot string) string {
	h.mu.Lock()
	selected, ok := h.pendingSlots[cb.From.ID]
	if !ok {
		selected = make(map[string]struct{})
		h.pendingSlots[cb.From.ID] = selected
	}
	answer := ""
	if _, picked := selected[slot]; picked {
		delete(selected, slot)
	} else if len(selected) >= slotLimit {
		answer = fmt.Sprintf("Не больше %d времён в день", slotLimit)
	} else {
		selected[slot] = struct{}{}
	}
	snapshot := make(map[string]struct{}, len(selected))
	for t := range selected {
		snapshot[t] = struct{}{}
	}
	h.mu.Unlock()

	if answer == "" {
		markup := slotKeyboard(snapshot)
		edit := tgbotapi.NewEditMessageReplyMarkup(cb.Message.Chat.ID, cb.Message.MessageID, *markup)
		start := time.Now()
		_, err := h.bot.Request(edit)
		metrics.ObserveNetworkRequest("telegram_bot", "edit_keyboard", strconv.FormatInt(cb.Message.Chat.ID, 10), start, err)
		if err != nil {
			h.log.Error().Err(err).Msg("не удалось обновить клавиатуру расписания")
		}
	}
	return answer
}

func (h *Handler) handleScheduleSave(ctx context.Context, chatID int64, from *tgbotapi.User) {
	h.mu.Lock()
	selected := h.pendingSlots[from.ID]
	times := make([]string, 0, len(selected))
	for t := range selected {
		times = append(times, t)
	}
	h.mu.Unlock()
	sort.Strings(times)

	saved, err := h.scheduleUC.Save(ctx, profileFrom(from), times, "")
	if err != nil {
		switch {
		case errors.Is(err, schedule.ErrNoTimes):
			h.reply(chatID, "Выберите хотя бы одно время перед сохранением", nil)
		case errors.Is(err, schedule.ErrTooManySlots):
			h.reply(chatID, fmt.Sprintf("Можно выбрать не больше %d времён", slotLimit), nil)
		default:
			h.log.Error().Err(err).Int64("user", from.ID).Msg("не удалось сохранить расписание")
			h.reply(chatID, "Не удалось сохранить расписание. Попробуйте позже", nil)
		}
		return
	}

	h.clearPendingSlots(from.ID)
	h.reply(chatID, fmt.Sprintf("Расписание сохранено: %s (%s). Рассылка включена.\nОтключить можно кнопкой ниже или командой /schedule",
		strings.Join(saved.Times, ", "), saved.Timezone), h.mainKeyboard())
}

func (h *Handler) handleScheduleToggle(ctx context.Context, chatID, tgUserID int64) {
	toggled, err := h.scheduleUC.Toggle(ctx, tgUserID)
	if errors.Is(err, domain.ErrNotFound) {
		h.reply(chatID, "Сначала сохраните расписание", nil)
		return
	}
	if err != nil {
		h.log.Error().Err(err).Int64("user", tgUserID).Msg("не удалось переключить расписание")
		h.reply(chatID, "Не удалось переключить рассылку. Попробуйте позже", nil)
		return
	}
	if toggled.IsActive {
		h.reply(chatID, fmt.Sprintf("Рассылка включена: %s (%s)", strings.Join(toggled.Times, ", "), toggled.Timezone), nil)
	} else {
		h.reply(chatID, "Рассылка выключена", nil)
	}
}

func (h *Handler) setPendingTopics(tgUserID int64) {
	h.mu.Lock()
	h.pendingTopics[tgUserID] = struct{}{}
	h.mu.Unlock()
}

func (h *Handler) clearPendingTopics(tgUserID int64) {
	h.mu.Lock()
	delete(h.pendingTopics, tgUserID)
	h.mu.Unlock()
}

func (h *Handler) clearPendingSlots(tgUserID int64) {
	h.mu.Lock()
	delete(h.pendingSlots, tgUserID)
	h.mu.Unlock()
}

func (h *Handler) reply(chatID int64, text string, keyboard *tgbotapi.InlineKeyboardMarkup) {
	h.send(chatID, text, keyboard, "")
}

func (h *Handler) replyMarkdown(chatID int64, text string, keyboard *tgbotapi.InlineKeyboardMarkup) {
	h.send(chatID, text, keyboard, tgbotapi.ModeMarkdown)
}

// send отправляет текст частями; клавиатура прикрепляется к последней.
func (h *Handler) send(chatID int64, text string, keyboard *tgbotapi.InlineKeyboardMarkup, parseMode string) {
	parts := telegram.SplitMessage(text)
	for i, part := range parts {
		msg := tgbotapi.NewMessage(chatID, part)
		if parseMode != "" {
			msg.ParseMode = parseMode
			msg.DisableWebPagePreview = true
		}
		if i == len(parts)-1 && keyboard != nil {
			msg.ReplyMarkup = keyboard
		}
		start := time.Now()
		_, err := h.bot.Send(msg)
		metrics.ObserveNetworkRequest("telegram_bot", "send_message", strconv.FormatInt(chatID, 10), start, err)
		if err != nil {
			metrics.BotSendErrors.Inc()
			h.log.Error().Err(err).Msg("не удалось отправить сообщение")
			return
		}
	}
}

func (h *Handler) mainKeyboard() *tgbotapi.InlineKeyboardMarkup {
	buttons := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("📰 Дайджест", "digest_now"),
			tgbotapi.NewInlineKeyboardButtonData("⚙️ Темы", "settings_menu"),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("📚 Библиотека", "library_menu"),
			tgbotapi.NewInlineKeyboardButtonData("🗓 Расписание", "schedule_menu"),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("📊 Статистика", "stats_menu"),
			tgbotapi.NewInlineKeyboardButtonData("ℹ️ Помощь", "help_menu"),
		),
	)
	return &buttons
}

func profileFrom(from *tgbotapi.User) domain.TelegramProfile {
	lang := from.LanguageCode
	if lang == "" {
		lang = "ru"
	}
	return domain.TelegramProfile{
		TelegramID:   from.ID,
		Username:     from.UserName,
		FirstName:    from.FirstName,
		LanguageCode: lang,
	}
}

func parseTopicsInput(input string) []string {
	parts := strings.FieldsFunc(input, func(r rune) bool {
		switch r {
		case ',', ';', '\n':
			return true
		default:
			return false
		}
	})
	names := make([]string, 0, len(parts))
	for _, part := range parts {
		if name := strings.TrimSpace(part); name != "" {
			names = append(names, name)
		}
	}
	return names
}

func parsePageIndex(payload string) (page, index int, err error) {
	parts := strings.Split(payload, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("некорректный payload %q", payload)
	}
	page, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, err
	}
	index, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, err
	}
	return page, index, nil
}
