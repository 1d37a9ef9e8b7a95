// Package tgui provides small Telegram UI helpers: inline keyboard
// builders, HTML-safe text composition for ParseMode="HTML", and rune
// truncation for user-facing snippets.
package tgui
