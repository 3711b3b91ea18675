// Package i18n is the seam to the translation collaborator. The engine
// is locale-agnostic internally; node ids, not display names, drive all
// logic, and translation applies to outbound display strings only.
package i18n

// Translator renders a display string for a locale.
type Translator interface {
	Translate(locale, text string) string
}

// Passthrough returns text unchanged. Used when no translation backend
// is configured.
type Passthrough struct{}

func (Passthrough) Translate(_, text string) string { return text }

// Func adapts a function into the Translator interface.
type Func func(locale, text string) string

func (f Func) Translate(locale, text string) string {
	if f == nil {
		return text
	}
	return f(locale, text)
}
