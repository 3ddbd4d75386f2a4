// Package emoji resolves reaction shortcodes like :+1: to their emoji.
package emoji

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Built-in shortcodes cover the reactions a course chat actually sees. A
// user table can add to or shadow them.
var builtin = map[string]string{
	"+1":         "👍",
	"thumbsup":   "👍",
	"-1":         "👎",
	"thumbsdown": "👎",
	"heart":      "❤️",
	"fire":       "🔥",
	"tada":       "🎉",
	"clap":       "👏",
	"joy":        "😂",
	"laughing":   "😆",
	"thinking":   "🤔",
	"eyes":       "👀",
	"pray":       "🙏",
	"rocket":     "🚀",
	"check":      "✅",
	"x":          "❌",
	"question":   "❓",
	"100":        "💯",
	"wave":       "👋",
	"bulb":       "💡",
	"star":       "⭐",
	"warning":    "⚠️",
}

// Table maps shortcodes to emoji.
type Table struct {
	codes map[string]string
}

// NewTable returns a table preloaded with the built-in shortcodes.
func NewTable() *Table {
	codes := make(map[string]string, len(builtin))
	for k, v := range builtin {
		codes[k] = v
	}
	return &Table{codes: codes}
}

// LoadFile merges user shortcodes from a YAML file of `code: emoji` pairs.
// A missing file is not an error; the built-ins stay as they are.
func (t *Table) LoadFile(path string, logger *slog.Logger) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		logger.Debug("emoji table does not exist, skipping", "path", path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("read emoji table: %w", err)
	}

	var codes map[string]string
	if err := yaml.Unmarshal(data, &codes); err != nil {
		return fmt.Errorf("parse emoji table %s: %w", path, err)
	}
	for k, v := range codes {
		t.codes[strings.Trim(k, ":")] = v
	}

	logger.Info("loaded emoji table", "path", path, "count", len(codes))
	return nil
}

// Lookup resolves one shortcode, with or without the surrounding colons.
func (t *Table) Lookup(code string) (string, bool) {
	e, ok := t.codes[strings.Trim(strings.TrimSpace(code), ":")]
	return e, ok
}

// Expand rewrites :code: tokens in text. Unknown codes pass through, so
// ordinary prose with colons is left alone.
func (t *Table) Expand(text string) string {
	if !strings.Contains(text, ":") {
		return text
	}
	var b strings.Builder
	b.Grow(len(text))
	for {
		start := strings.IndexByte(text, ':')
		if start < 0 {
			b.WriteString(text)
			break
		}
		end := strings.IndexByte(text[start+1:], ':')
		if end < 0 {
			b.WriteString(text)
			break
		}
		end += start + 1
		if e, ok := t.codes[text[start+1:end]]; ok {
			b.WriteString(text[:start])
			b.WriteString(e)
			text = text[end+1:]
			continue
		}
		// Not a shortcode; the closing colon may open the next one.
		b.WriteString(text[:end])
		text = text[end:]
	}
	return b.String()
}
