package chat

import (
	"fmt"
	"strings"
)

// Dialect holds the prompt and reserved command tokens of a protocol variant.
type Dialect struct {
	Name     string
	Prompt   string
	Quit     string
	Shutdown string
}

var (
	ModernDialect = Dialect{
		Name:     "modern",
		Prompt:   "Give your nickname: ",
		Quit:     "/quit",
		Shutdown: "/stop_server",
	}

	// LegacyDialect matches the first released clients: no leading slash.
	LegacyDialect = Dialect{
		Name:     "legacy",
		Prompt:   "Connected to the server.\nGive your nick name: ",
		Quit:     "quit",
		Shutdown: "stop_server",
	}
)

func DialectByName(name string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", ModernDialect.Name:
		return ModernDialect, nil
	case LegacyDialect.Name:
		return LegacyDialect, nil
	default:
		return Dialect{}, fmt.Errorf("chat: unknown dialect %q", name)
	}
}
