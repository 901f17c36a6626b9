package tts

import "sort"

// DefaultVoice is the friendly name used when a speaker has no stored
// preference.
const DefaultVoice = "narrator"

// voiceCatalog maps the friendly names users pick to Cartesia voice
// identifiers. Closed on purpose: accepting arbitrary provider IDs
// from chat would turn the bot into a free proxy for a paid API.
var voiceCatalog = map[string]string{
	"narrator":     "694f9389-aac1-45b6-b726-9d9369183238",
	"british-lady": "79a125e8-cd45-4c13-8a67-188112f4dd22",
	"barbershop":   "a0e99841-438c-4a64-b679-ae501e7d6091",
	"newsman":      "d46abd1d-2d02-43e8-819f-51fb652c1c61",
	"sweet-lady":   "e3827ec5-697a-4b7c-9704-1a23041bbc51",
	"wizard":       "87748186-23bb-4158-a1eb-332911b0b708",
	"pilot":        "41534e16-2966-4c6b-9670-111411def906",
	"calm-lady":    "00a77add-48d5-4ef6-8157-71e5437b282d",
}

// VoiceID resolves a friendly name to its provider identifier.
func VoiceID(name string) (string, bool) {
	id, ok := voiceCatalog[name]
	return id, ok
}

// Voices lists the friendly names, sorted for display.
func Voices() []string {
	names := make([]string, 0, len(voiceCatalog))
	for name := range voiceCatalog {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
