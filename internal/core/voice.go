package core

import (
	"errors"
	"fmt"
)

// VoiceStyle is the delivery style a voice is tuned for.
type VoiceStyle string

// Supported voice styles.
const (
	StyleFriendly      VoiceStyle = "friendly"
	StyleProfessional  VoiceStyle = "professional"
	StyleCasual        VoiceStyle = "casual"
	StyleEnergetic     VoiceStyle = "energetic"
	StyleCalm          VoiceStyle = "calm"
	StyleAuthoritative VoiceStyle = "authoritative"
)

// Gender of a voice.
type Gender string

// Voice genders.
const (
	GenderFemale  Gender = "female"
	GenderMale    Gender = "male"
	GenderNeutral Gender = "neutral"
)

// AgeCategory is the perceived age of a voice.
type AgeCategory string

// Voice age categories.
const (
	AgeYoung  AgeCategory = "young"
	AgeAdult  AgeCategory = "adult"
	AgeMature AgeCategory = "mature"
)

// Prosody limits.
const (
	MinSpeed = 0.25
	MaxSpeed = 4.0
	MinPitch = 0.5
	MaxPitch = 2.0
)

// ErrInvalidVoice is returned when a voice profile or its settings are malformed.
var ErrInvalidVoice = errors.New("invalid voice profile")

const (
	errFmtUnitRange  = "%w: %s must be between 0.0 and 1.0, got %.2f"
	errFmtSpeedRange = "%w: speed must be between %.2f and %.2f, got %.2f"
	errFmtPitchRange = "%w: pitch must be between %.2f and %.2f, got %.2f"
	errFmtStyle      = "%w: unknown style %q"
	errFmtMissing    = "%w: %s cannot be empty"
)

// VoiceSettings holds the tunable prosody parameters of a voice.
type VoiceSettings struct {
	Stability       float64    `json:"stability"        toml:"stability"`
	SimilarityBoost float64    `json:"similarity_boost" toml:"similarity_boost"`
	Speed           float64    `json:"speed"            toml:"speed"`
	Pitch           float64    `json:"pitch"            toml:"pitch"`
	Volume          float64    `json:"volume"           toml:"volume"`
	Style           VoiceStyle `json:"style"            toml:"style"`
}

// DefaultVoiceSettings returns neutral prosody in the given style.
func DefaultVoiceSettings(style VoiceStyle) VoiceSettings {
	return VoiceSettings{
		Stability:       0.75,
		SimilarityBoost: 0.75,
		Speed:           1.0,
		Pitch:           1.0,
		Volume:          1.0,
		Style:           style,
	}
}

// OrDefault returns s, or casual defaults when s was never set.
func (s VoiceSettings) OrDefault() VoiceSettings {
	if s == (VoiceSettings{}) {
		return DefaultVoiceSettings(StyleCasual)
	}

	return s
}

// Validate checks that every parameter is inside its allowed range.
func (s VoiceSettings) Validate() error {
	unitChecks := []struct {
		name  string
		value float64
	}{
		{"stability", s.Stability},
		{"similarity_boost", s.SimilarityBoost},
		{"volume", s.Volume},
	}

	for _, check := range unitChecks {
		if check.value < 0 || check.value > 1 {
			return fmt.Errorf(errFmtUnitRange, ErrInvalidVoice, check.name, check.value)
		}
	}

	if s.Speed < MinSpeed || s.Speed > MaxSpeed {
		return fmt.Errorf(errFmtSpeedRange, ErrInvalidVoice, MinSpeed, MaxSpeed, s.Speed)
	}

	if s.Pitch < MinPitch || s.Pitch > MaxPitch {
		return fmt.Errorf(errFmtPitchRange, ErrInvalidVoice, MinPitch, MaxPitch, s.Pitch)
	}

	if !s.Style.Valid() {
		return fmt.Errorf(errFmtStyle, ErrInvalidVoice, s.Style)
	}

	return nil
}

// Valid reports whether the style is one of the known styles.
func (s VoiceStyle) Valid() bool {
	switch s {
	case StyleFriendly, StyleProfessional, StyleCasual, StyleEnergetic, StyleCalm, StyleAuthoritative:
		return true
	default:
		return false
	}
}

// VoiceProfile identifies a synthesizable voice together with its prosody.
// It is a value type; modify a copy, never a shared instance.
type VoiceProfile struct {
	VoiceID  string        `json:"voice_id"`
	Name     string        `json:"name"`
	Gender   Gender        `json:"gender"`
	Age      AgeCategory   `json:"age"`
	Accent   string        `json:"accent"`
	Language string        `json:"language"`
	Engine   string        `json:"engine"`
	Settings VoiceSettings `json:"settings"`
}

// Validate checks that the profile is well formed.
func (p VoiceProfile) Validate() error {
	if p.VoiceID == "" {
		return fmt.Errorf(errFmtMissing, ErrInvalidVoice, "voice_id")
	}

	if p.Engine == "" {
		return fmt.Errorf(errFmtMissing, ErrInvalidVoice, "engine")
	}

	return p.Settings.Validate()
}

// WithSettings returns a copy of the profile using the given settings.
func (p VoiceProfile) WithSettings(settings VoiceSettings) VoiceProfile {
	p.Settings = settings

	return p
}
