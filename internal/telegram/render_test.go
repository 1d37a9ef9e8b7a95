package telegram

import (
	"strings"
	"testing"

	"mailgram/internal/mailparse"
)

func TestRenderRichEscapesAndFormats(t *testing.T) {
	t.Parallel()
	p := mailparse.Payload{
		Subject: "Hello <world>",
		From:    "noreply@example.com",
		Intro:   "Your account & more",
		Codes:   []string{"482913"},
	}
	got := renderRich(p)

	if !strings.Contains(got, "<b>Hello &lt;world&gt;</b>") {
		t.Fatalf("subject not escaped/bolded: %q", got)
	}
	if !strings.Contains(got, "<code>482913</code>") {
		t.Fatalf("code not monospaced: %q", got)
	}
	if !strings.Contains(got, "&amp; more") {
		t.Fatalf("intro not escaped: %q", got)
	}
	if strings.Contains(got, "<world>") {
		t.Fatalf("raw angle brackets leaked: %q", got)
	}
}

func TestRenderPlainIncludesLinks(t *testing.T) {
	t.Parallel()
	p := mailparse.Payload{
		Subject: "s",
		Links:   []string{"https://x/verify", "https://x/page"},
	}
	got := renderPlain(p)
	for _, l := range p.Links {
		if !strings.Contains(got, l) {
			t.Fatalf("plain rendering misses %q: %q", l, got)
		}
	}
	if strings.Contains(got, "<b>") {
		t.Fatalf("plain rendering carries markup: %q", got)
	}
}

func TestLinkKeyboard(t *testing.T) {
	t.Parallel()
	if kb := linkKeyboard(mailparse.Payload{}); kb != nil {
		t.Fatal("empty payload produced a keyboard")
	}

	p := mailparse.Payload{
		Links:  []string{"https://x/verify", "https://x/page"},
		Labels: map[string]string{"https://x/verify": "Tap here"},
	}
	kb := linkKeyboard(p)
	if kb == nil {
		t.Fatal("no keyboard for payload with links")
	}
	if len(kb.InlineKeyboard) != 2 {
		t.Fatalf("rows = %d, want one per link", len(kb.InlineKeyboard))
	}
	if kb.InlineKeyboard[0][0].Text != "Tap here" {
		t.Fatalf("first button text = %q, want anchor label", kb.InlineKeyboard[0][0].Text)
	}
	if kb.InlineKeyboard[0][0].URL != "https://x/verify" {
		t.Fatalf("first button url = %q", kb.InlineKeyboard[0][0].URL)
	}
}
