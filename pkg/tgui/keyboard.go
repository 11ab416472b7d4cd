package tgui

import kit "gatebot/internal/transport"

// Inline is a small builder for inline keyboards.
type Inline struct {
	rows [][]kit.Button
}

func NewInline() *Inline { return &Inline{} }

// Row appends a row. Empty rows are skipped.
func (i *Inline) Row(btn ...kit.Button) *Inline {
	if len(btn) == 0 {
		return i
	}
	i.rows = append(i.rows, append([]kit.Button(nil), btn...))
	return i
}

// Rows returns the keyboard, or nil when no row was added.
func (i *Inline) Rows() [][]kit.Button {
	if i == nil || len(i.rows) == 0 {
		return nil
	}
	out := make([][]kit.Button, len(i.rows))
	copy(out, i.rows)
	return out
}

// Btn creates a callback button with raw callback data.
func Btn(text, data string) kit.Button {
	return kit.Button{Text: text, Data: data}
}

func URLBtn(text, url string) kit.Button {
	return kit.Button{Text: text, URL: url}
}
