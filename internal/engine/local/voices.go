package local

import "github.com/wheelsandwins/pam-tts/internal/core"

// Voices returns the speakers every supported local model ships with. The
// first one is the engine default.
func Voices() []core.VoiceProfile {
	builtin := []struct {
		id     string
		gender core.Gender
		age    core.AgeCategory
		style  core.VoiceStyle
	}{
		{"tara", core.GenderFemale, core.AgeAdult, core.StyleFriendly},
		{"leah", core.GenderFemale, core.AgeAdult, core.StyleCasual},
		{"leo", core.GenderMale, core.AgeAdult, core.StyleProfessional},
		{"dan", core.GenderMale, core.AgeMature, core.StyleCalm},
		{"mia", core.GenderFemale, core.AgeYoung, core.StyleEnergetic},
		{"zac", core.GenderMale, core.AgeAdult, core.StyleAuthoritative},
	}

	voices := make([]core.VoiceProfile, 0, len(builtin))
	for _, speaker := range builtin {
		voices = append(voices, core.VoiceProfile{
			VoiceID:  speaker.id,
			Name:     speaker.id,
			Gender:   speaker.gender,
			Age:      speaker.age,
			Accent:   "american",
			Language: "en-US",
			Engine:   Name,
			Settings: core.DefaultVoiceSettings(speaker.style),
		})
	}

	return voices
}
