// Package voice resolves who should speak, and how, for a user and a
// conversational context.
package voice

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/wheelsandwins/pam-tts/internal/core"
)

// Conversational contexts with a known style.
const (
	ContextGeneral     = "general_conversation"
	ContextNavigation  = "navigation"
	ContextEmergency   = "emergency_assistance"
	ContextSocial      = "social_interaction"
	ContextTripPlan    = "trip_planning"
	ContextFinancial   = "financial_advice"
	ContextSafetyAlert = "safety_alert"
	ContextWeather     = "weather_update"
)

// DefaultStyle is used for contexts without an entry in the style table.
const DefaultStyle = core.StyleCasual

// ErrUnknownVoice is returned when a voice id is not registered.
var ErrUnknownVoice = errors.New("unknown voice")

// contextStyles maps a context tag to the delivery style it calls for.
var contextStyles = map[string]core.VoiceStyle{
	ContextGeneral:     core.StyleFriendly,
	ContextNavigation:  core.StyleProfessional,
	ContextEmergency:   core.StyleCalm,
	ContextSocial:      core.StyleCasual,
	ContextTripPlan:    core.StyleEnergetic,
	ContextFinancial:   core.StyleProfessional,
	ContextSafetyAlert: core.StyleAuthoritative,
	ContextWeather:     core.StyleCalm,
}

// StyleSettings returns prosody tuned for style.
func StyleSettings(style core.VoiceStyle) core.VoiceSettings {
	settings := core.DefaultVoiceSettings(style)

	switch style {
	case core.StyleCalm:
		settings.Stability = 0.85
		settings.Speed = 0.9
		settings.Pitch = 0.95
	case core.StyleEnergetic:
		settings.Stability = 0.6
		settings.Speed = 1.1
		settings.Pitch = 1.05
	case core.StyleProfessional:
		settings.Stability = 0.8
	case core.StyleAuthoritative:
		settings.Stability = 0.9
		settings.Speed = 0.95
		settings.Pitch = 0.9
	case core.StyleFriendly, core.StyleCasual:
	}

	return settings
}

// StyleForContext returns the style the context calls for.
func StyleForContext(tag string) (core.VoiceStyle, bool) {
	style, ok := contextStyles[tag]

	return style, ok
}

// Registry is the catalogue of voices per engine. It is safe for concurrent use.
type Registry struct {
	mu            sync.RWMutex
	voices        map[string]core.VoiceProfile
	defaults      map[string]string
	defaultEngine string
}

// NewRegistry creates an empty registry whose context profiles use defaultEngine.
func NewRegistry(defaultEngine string) *Registry {
	return &Registry{
		voices:        make(map[string]core.VoiceProfile),
		defaults:      make(map[string]string),
		defaultEngine: defaultEngine,
	}
}

// Register adds profiles to the catalogue. The first voice registered for an
// engine becomes its default unless SetDefault says otherwise.
func (r *Registry) Register(profiles ...core.VoiceProfile) error {
	for _, profile := range profiles {
		if err := profile.Validate(); err != nil {
			return fmt.Errorf("failed to register voice %q: %w", profile.VoiceID, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, profile := range profiles {
		r.voices[profile.VoiceID] = profile

		if _, ok := r.defaults[profile.Engine]; !ok {
			r.defaults[profile.Engine] = profile.VoiceID
		}
	}

	return nil
}

// SetDefault selects the default voice of engine.
func (r *Registry) SetDefault(engine, voiceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	profile, ok := r.voices[voiceID]
	if !ok || profile.Engine != engine {
		return fmt.Errorf("%w: %s for engine %s", ErrUnknownVoice, voiceID, engine)
	}

	r.defaults[engine] = voiceID

	return nil
}

// DefaultEngine is the engine used for context-derived profiles.
func (r *Registry) DefaultEngine() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.defaultEngine
}

// Voice looks up a profile by id.
func (r *Registry) Voice(voiceID string) (core.VoiceProfile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	profile, ok := r.voices[voiceID]

	return profile, ok
}

// Voices lists the profiles of engine, or of every engine when engine is
// empty, sorted by voice id.
func (r *Registry) Voices(engine string) []core.VoiceProfile {
	r.mu.RLock()
	defer r.mu.RUnlock()

	profiles := make([]core.VoiceProfile, 0, len(r.voices))

	for _, profile := range r.voices {
		if engine == "" || profile.Engine == engine {
			profiles = append(profiles, profile)
		}
	}

	slices.SortFunc(profiles, func(a, b core.VoiceProfile) int {
		return strings.Compare(a.VoiceID, b.VoiceID)
	})

	return profiles
}

// DefaultProfile returns the default voice of engine in the casual style.
// An engine without registered voices gets a placeholder voice id so the
// result is always usable.
func (r *Registry) DefaultProfile(engine string) core.VoiceProfile {
	return r.styledDefault(engine, DefaultStyle)
}

// ProfileForContext returns the default engine's voice tuned for the style
// the context calls for, or the casual default for unknown contexts.
func (r *Registry) ProfileForContext(tag string) core.VoiceProfile {
	engine := r.DefaultEngine()

	style, ok := StyleForContext(tag)
	if !ok {
		return r.DefaultProfile(engine)
	}

	return r.styledDefault(engine, style)
}

func (r *Registry) styledDefault(engine string, style core.VoiceStyle) core.VoiceProfile {
	r.mu.RLock()
	voiceID, ok := r.defaults[engine]
	profile := r.voices[voiceID]
	r.mu.RUnlock()

	if !ok {
		profile = core.VoiceProfile{
			VoiceID:  engine + "-default",
			Name:     "Default",
			Gender:   core.GenderNeutral,
			Age:      core.AgeAdult,
			Language: "en-US",
			Engine:   engine,
		}
	}

	return profile.WithSettings(StyleSettings(style))
}
