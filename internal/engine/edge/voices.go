package edge

import "github.com/wheelsandwins/pam-tts/internal/core"

type catalogueEntry struct {
	id     string
	name   string
	gender core.Gender
	age    core.AgeCategory
	accent string
	style  core.VoiceStyle
}

// catalogue lists the English neural voices offered to PAM users. The first
// entry is the engine default.
var catalogue = []catalogueEntry{
	{"en-US-AriaNeural", "Aria", core.GenderFemale, core.AgeAdult, "american", core.StyleFriendly},
	{"en-US-JennyNeural", "Jenny", core.GenderFemale, core.AgeAdult, "american", core.StyleCasual},
	{"en-US-GuyNeural", "Guy", core.GenderMale, core.AgeAdult, "american", core.StyleProfessional},
	{"en-US-DavisNeural", "Davis", core.GenderMale, core.AgeMature, "american", core.StyleCalm},
	{"en-US-AnaNeural", "Ana", core.GenderFemale, core.AgeYoung, "american", core.StyleEnergetic},
	{"en-AU-NatashaNeural", "Natasha", core.GenderFemale, core.AgeAdult, "australian", core.StyleCasual},
	{"en-AU-WilliamNeural", "William", core.GenderMale, core.AgeMature, "australian", core.StyleAuthoritative},
	{"en-GB-RyanNeural", "Ryan", core.GenderMale, core.AgeAdult, "british", core.StyleCalm},
	{"en-GB-SoniaNeural", "Sonia", core.GenderFemale, core.AgeAdult, "british", core.StyleProfessional},
}

// Voices returns the static catalogue as profiles.
func Voices() []core.VoiceProfile {
	voices := make([]core.VoiceProfile, 0, len(catalogue))

	for _, entry := range catalogue {
		voices = append(voices, core.VoiceProfile{
			VoiceID:  entry.id,
			Name:     entry.name,
			Gender:   entry.gender,
			Age:      entry.age,
			Accent:   entry.accent,
			Language: entry.id[:5],
			Engine:   Name,
			Settings: core.DefaultVoiceSettings(entry.style),
		})
	}

	return voices
}

func knownVoice(id string) bool {
	for _, entry := range catalogue {
		if entry.id == id {
			return true
		}
	}

	return false
}
