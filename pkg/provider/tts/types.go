package tts

// VoiceProfile selects and shapes the voice used for synthesis.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider identifies which TTS provider this voice belongs to.
	Provider string

	// SpeedFactor adjusts speaking rate (0.5–2.0, 1.0 = default, 0 = unset).
	SpeedFactor float64

	// Emotion is an optional style hint for backends that support one.
	Emotion string

	// Metadata holds provider-specific voice attributes.
	Metadata map[string]string
}

// Speed returns SpeedFactor, defaulting to 1.0 when unset.
func (v VoiceProfile) Speed() float64 {
	if v.SpeedFactor <= 0 {
		return 1.0
	}
	return v.SpeedFactor
}
