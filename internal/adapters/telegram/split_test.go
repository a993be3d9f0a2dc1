package telegram

import (
	"strings"
	"testing"
)

func TestSplitMessageShortText(t *testing.T) {
	parts := SplitMessage("  привет  ")
	if len(parts) != 1 || parts[0] != "привет" {
		t.Fatalf("короткий текст отправляется одним сообщением, получили %v", parts)
	}
}

func TestSplitMessageEmpty(t *testing.T) {
	if parts := SplitMessage("   \n  "); parts != nil {
		t.Fatalf("пустой текст не должен давать частей, получили %v", parts)
	}
}

func TestSplitMessagePrefersNewlines(t *testing.T) {
	block := strings.Repeat("строка дайджеста\n", 400)
	parts := SplitMessage(block)
	if len(parts) < 2 {
		t.Fatalf("длинный текст должен делиться, получили %d частей", len(parts))
	}
	for i, part := range parts {
		if len([]rune(part)) > messageLimit {
			t.Fatalf("часть %d превышает лимит: %d рун", i, len([]rune(part)))
		}
		if strings.HasPrefix(part, "\n") || strings.HasSuffix(part, "\n") {
			t.Fatalf("часть %d не должна начинаться или заканчиваться переводом строки", i)
		}
	}
	joined := strings.Join(parts, "\n")
	if !strings.Contains(joined, "строка дайджеста") {
		t.Fatal("содержимое должно сохраняться при разбиении")
	}
}

func TestSplitMessageNoNewlines(t *testing.T) {
	block := strings.Repeat("ж", messageLimit+100)
	parts := SplitMessage(block)
	if len(parts) != 2 {
		t.Fatalf("сплошной текст делится по лимиту, получили %d частей", len(parts))
	}
	if len([]rune(parts[0])) != messageLimit {
		t.Fatalf("первая часть должна быть ровно в лимит, получили %d", len([]rune(parts[0])))
	}
}
