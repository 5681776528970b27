package system

import "github.com/wheelsandwins/pam-tts/internal/core"

// Voices returns the espeak-ng voices and variants PAM offers. The first one
// is the engine default.
func Voices() []core.VoiceProfile {
	builtin := []struct {
		id, name, language, accent string
		gender                     core.Gender
	}{
		{"en-us", "American", "en-US", "american", core.GenderMale},
		{"en-us+f3", "American (female)", "en-US", "american", core.GenderFemale},
		{"en-gb", "British", "en-GB", "british", core.GenderMale},
		{"en-gb+f2", "British (female)", "en-GB", "british", core.GenderFemale},
		{"en-gb-scotland", "Scottish", "en-GB", "scottish", core.GenderMale},
	}

	voices := make([]core.VoiceProfile, 0, len(builtin))
	for _, v := range builtin {
		voices = append(voices, core.VoiceProfile{
			VoiceID:  v.id,
			Name:     v.name,
			Gender:   v.gender,
			Age:      core.AgeAdult,
			Accent:   v.accent,
			Language: v.language,
			Engine:   Name,
			Settings: core.DefaultVoiceSettings(core.StyleProfessional),
		})
	}

	return voices
}
