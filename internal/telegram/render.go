package telegram

import (
	"strings"

	tele "gopkg.in/telebot.v4"

	"mailgram/internal/mailparse"
	"mailgram/pkg/tgui"
)

// introSnippet bounds what we echo into the chat; the full body stays in
// the mailbox.
const introSnippet = 300

// renderRich builds the HTML-mode notification text. Links are not inlined
// here: they become URL buttons via linkKeyboard.
func renderRich(p mailparse.Payload) string {
	head := tgui.Raw("📬 ") + tgui.B(p.Subject)
	if p.From != "" {
		head += "\n" + tgui.Esc("From: "+p.From)
	}
	parts := []tgui.H{head}
	if intro := strings.TrimSpace(p.Intro); intro != "" {
		parts = append(parts, tgui.I(tgui.TruncRunes(intro, introSnippet)))
	}
	if len(p.Codes) > 0 {
		codes := make([]tgui.H, 0, len(p.Codes))
		for _, c := range p.Codes {
			codes = append(codes, tgui.Code(c))
		}
		parts = append(parts, tgui.Esc("Code: ")+tgui.JoinH("  ", codes...))
	}
	return string(tgui.JoinH("\n\n", parts...))
}

// renderPlain is the no-markup fallback. Links go into the body because
// the fallback may be sent without a keyboard-capable context.
func renderPlain(p mailparse.Payload) string {
	var b strings.Builder
	b.WriteString("📬 " + p.Subject)
	if p.From != "" {
		b.WriteString("\nFrom: " + p.From)
	}
	if intro := strings.TrimSpace(p.Intro); intro != "" {
		b.WriteString("\n\n" + tgui.TruncRunes(intro, introSnippet))
	}
	if len(p.Codes) > 0 {
		b.WriteString("\n\nCode: " + strings.Join(p.Codes, "  "))
	}
	if len(p.Links) > 0 {
		b.WriteString("\n")
		for _, l := range p.Links {
			b.WriteString("\n" + l)
		}
	}
	return b.String()
}

// linkKeyboard turns ranked links into one URL button per row. Returns nil
// when there is nothing to attach.
func linkKeyboard(p mailparse.Payload) *tele.ReplyMarkup {
	if len(p.Links) == 0 {
		return nil
	}
	kb := tgui.NewInline()
	for _, link := range p.Links {
		kb.Row(tgui.URLBtn(mailparse.ButtonLabel(link, p.Labels[link]), link))
	}
	return kb.Markup()
}

const (
	cbCreate  = "mail:create"
	cbShow    = "mail:show"
	cbRefresh = "mail:refresh"
	cbNew     = "mail:new"
	cbDelete  = "mail:delete"
)

func menuKeyboard() *tele.ReplyMarkup {
	return tgui.Grid2([]tele.Btn{
		tgui.Btn("📬 New mailbox", cbCreate),
		tgui.Btn("📋 My mailbox", cbShow),
		tgui.Btn("🔄 Refresh", cbRefresh),
		tgui.Btn("🗑 Delete", cbDelete),
	})
}

const welcomeText = `Hi! I hand out disposable mailboxes.

Tap “New mailbox” to get a temporary address. Mail sent to it lands here as notifications with one-tap links and extracted codes. The address self-destructs after an hour.`

const helpText = `📬 New mailbox — get a temporary address
📋 My mailbox — show the current address and its remaining lifetime
🔄 Refresh — check for mail right now
🗑 Delete — drop the current address

Mailboxes expire on their own after an hour. Codes found in mail are sent as tappable monospace text.`
