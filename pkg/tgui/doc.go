// Package tgui provides small Telegram UI helpers:
//   - HTML escaping and formatting for ParseMode="HTML"
//   - Inline keyboard builders over transport.Button
//   - Callback data helpers (scope:action:payload)
//   - A message builder with sensible defaults
//
// Nothing here talks to Telegram directly; the adapter converts the result.
package tgui
