package wyoming

// Info is the reply to a describe request. The satellite advertises no
// asr/tts/handle/intent/wake services of its own; only the satellite block
// is populated.
type Info struct {
	ASR       []any          `json:"asr"`
	TTS       []any          `json:"tts"`
	Handle    []any          `json:"handle"`
	Intent    []any          `json:"intent"`
	Wake      []any          `json:"wake"`
	Satellite *SatelliteInfo `json:"satellite"`
}

// SatelliteInfo describes this satellite to the pipeline controller.
type SatelliteInfo struct {
	Name        string      `json:"name"`
	Attribution Attribution `json:"attribution"`
	Installed   bool        `json:"installed"`
	Description string      `json:"description"`
	Version     string      `json:"version"`
	Area        *string     `json:"area"`
	SndFormat   SndFormat   `json:"snd_format"`
}

// Attribution credits the satellite implementation.
type Attribution struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// SndFormat is the PCM format the satellite plays.
type SndFormat struct {
	Channels int `json:"channels"`
	Rate     int `json:"rate"`
	Width    int `json:"width"`
}

// NewInfo builds the info payload for the given device identity.
func NewInfo(name, description string) Info {
	return Info{
		ASR:    []any{},
		TTS:    []any{},
		Handle: []any{},
		Intent: []any{},
		Wake:   []any{},
		Satellite: &SatelliteInfo{
			Name:        name,
			Attribution: Attribution{Name: "", URL: ""},
			Installed:   true,
			Description: description,
			Version:     Version,
			Area:        nil,
			SndFormat:   SndFormat{Channels: 1, Rate: 16000, Width: 2},
		},
	}
}

// InfoEvent wraps the info payload in an event.
func InfoEvent(name, description string) (Event, error) {
	return NewEvent(TypeInfo, NewInfo(name, description), nil)
}
