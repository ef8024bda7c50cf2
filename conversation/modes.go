package conversation

import (
	"fmt"
	"strings"
)

const DefaultMode = "llava_v0"

// ModeMarker maps a model family marker to the conversation mode it needs.
type ModeMarker struct {
	Marker string
	Mode   string
}

// ModeMarkers is checked in order against the lower-cased model name; the first
// marker found wins. Specific families must come before generic ones ("v1.6-34b"
// before "v1").
var ModeMarkers = []ModeMarker{
	{Marker: "llama-2", Mode: "llava_llama_2"},
	{Marker: "mistral", Mode: "mistral_instruct"},
	{Marker: "v1.6-34b", Mode: "chatml_direct"},
	{Marker: "v1", Mode: "llava_v1"},
	{Marker: "mpt", Mode: "mpt"},
}

func InferMode(modelName string) string {
	name := strings.ToLower(modelName)
	for _, m := range ModeMarkers {
		if strings.Contains(name, m.Marker) {
			return m.Mode
		}
	}
	return DefaultMode
}

// ResolveMode picks the effective mode. An explicit override always wins; warning is
// non-empty when it disagrees with the inferred mode.
func ResolveMode(inferred, override string) (mode string, warning string) {
	if override == "" {
		return inferred, ""
	}
	if override != inferred {
		warning = fmt.Sprintf("the auto inferred conversation mode is %s, while `--conv-mode` is %s, using %s", inferred, override, override)
	}
	return override, warning
}
