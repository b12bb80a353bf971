package render

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Icon is the visual category of a step's tool.
type Icon string

const (
	IconSearch   Icon = "search"
	IconDocument Icon = "document"
	IconChart    Icon = "chart"
	IconBrain    Icon = "brain"
	IconDatabase Icon = "database"
)

// Glyph is the terminal symbol for the icon.
func (i Icon) Glyph() string {
	switch i {
	case IconSearch:
		return "⌕"
	case IconDocument:
		return "▤"
	case IconChart:
		return "▥"
	case IconBrain:
		return "◎"
	default:
		return "⛁"
	}
}

// toolIcons is matched in order; the first pattern matching the tool
// name wins.
var toolIcons = []struct {
	pattern string
	icon    Icon
}{
	{"search_*", IconSearch},
	{"load_*", IconDocument},
	{"summarize_*", IconChart},
}

// ToolIcon picks the icon for a tool name. A step without a tool gets
// the brain, an unknown tool the database.
func ToolIcon(tool string) Icon {
	if tool == "" {
		return IconBrain
	}
	for _, ti := range toolIcons {
		if ok, _ := doublestar.Match(ti.pattern, tool); ok {
			return ti.icon
		}
	}
	return IconDatabase
}

var titler = cases.Title(language.English, cases.NoLower)

// ToolLabel turns a tool name into a heading: search_paper becomes
// "Search Paper".
func ToolLabel(tool string) string {
	if tool == "" {
		return "General Query"
	}
	return titler.String(strings.ReplaceAll(tool, "_", " "))
}
