package voice_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wheelsandwins/pam-tts/internal/core"
	"github.com/wheelsandwins/pam-tts/internal/preferences"
	"github.com/wheelsandwins/pam-tts/internal/voice"
)

var errStoreDown = errors.New("store unavailable")

// failingStore always fails, to prove resolution never does.
type failingStore struct{}

func (failingStore) Get(context.Context, string) (voice.UserPreferences, error) {
	return voice.UserPreferences{}, errStoreDown
}

func (failingStore) Upsert(context.Context, voice.UserPreferences) error {
	return errStoreDown
}

func profile(id string, gender core.Gender, age core.AgeCategory, accent string, style core.VoiceStyle) core.VoiceProfile {
	return core.VoiceProfile{
		VoiceID:  id,
		Name:     id,
		Gender:   gender,
		Age:      age,
		Accent:   accent,
		Language: "en-US",
		Engine:   "edge",
		Settings: core.DefaultVoiceSettings(style),
	}
}

var (
	aria    = profile("aria", core.GenderFemale, core.AgeAdult, "american", core.StyleFriendly)
	guy     = profile("guy", core.GenderMale, core.AgeAdult, "american", core.StyleProfessional)
	natasha = profile("natasha", core.GenderFemale, core.AgeYoung, "australian", core.StyleCasual)
	ryan    = profile("ryan", core.GenderMale, core.AgeMature, "british", core.StyleCalm)
)

func newRegistry(t *testing.T) *voice.Registry {
	t.Helper()

	registry := voice.NewRegistry("edge")
	require.NoError(t, registry.Register(aria, guy, natasha, ryan))

	return registry
}

func newService(t *testing.T) *voice.Service {
	t.Helper()

	return voice.NewService(newRegistry(t), preferences.NewMemoryStore())
}

func TestRegistry_RegisterAndLookup(t *testing.T) {
	t.Parallel()

	registry := newRegistry(t)

	got, ok := registry.Voice("guy")
	require.True(t, ok)
	assert.Equal(t, guy, got)

	voices := registry.Voices("edge")
	require.Len(t, voices, 4)
	assert.Equal(t, "aria", voices[0].VoiceID, "sorted by id")
	assert.Empty(t, registry.Voices("local"))

	invalid := aria
	invalid.VoiceID = ""
	require.ErrorIs(t, registry.Register(invalid), core.ErrInvalidVoice)

	require.ErrorIs(t, registry.SetDefault("local", "aria"), voice.ErrUnknownVoice)
	require.NoError(t, registry.SetDefault("edge", "guy"))
	assert.Equal(t, "guy", registry.DefaultProfile("edge").VoiceID)
}

func TestRegistry_DefaultProfileIsCasual(t *testing.T) {
	t.Parallel()

	registry := newRegistry(t)

	casual := registry.DefaultProfile("edge")
	assert.Equal(t, "aria", casual.VoiceID, "first registered voice")
	assert.Equal(t, core.StyleCasual, casual.Settings.Style)
	require.NoError(t, casual.Validate())

	placeholder := registry.DefaultProfile("system")
	assert.Equal(t, "system", placeholder.Engine)
	assert.Equal(t, core.StyleCasual, placeholder.Settings.Style)
	require.NoError(t, placeholder.Validate())
}

func TestStyleSettingsAreValid(t *testing.T) {
	t.Parallel()

	styles := []core.VoiceStyle{
		core.StyleFriendly, core.StyleProfessional, core.StyleCasual,
		core.StyleEnergetic, core.StyleCalm, core.StyleAuthoritative,
	}

	for _, style := range styles {
		settings := voice.StyleSettings(style)
		require.NoError(t, settings.Validate(), style)
		assert.Equal(t, style, settings.Style)
	}
}

func TestService_ResolutionOrder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	service := newService(t)

	// No preferences: style table, then casual default.
	emergency := service.UserProfile(ctx, "u1", voice.ContextEmergency)
	assert.Equal(t, core.StyleCalm, emergency.Settings.Style)

	unknown := service.UserProfile(ctx, "u1", "karaoke_night")
	assert.Equal(t, service.Registry().DefaultProfile("edge"), unknown)
	assert.Equal(t, unknown, service.UserProfile(ctx, "", "karaoke_night"), "deterministic")

	// Default preference beats the style table.
	require.NoError(t, service.SetPreference(ctx, "u1", ryan, "", false))
	assert.Equal(t, ryan, service.UserProfile(ctx, "u1", voice.ContextEmergency))

	// Context preference beats the default.
	require.NoError(t, service.SetPreference(ctx, "u1", natasha, voice.ContextSocial, false))
	assert.Equal(t, natasha, service.UserProfile(ctx, "u1", voice.ContextSocial))
	assert.Equal(t, ryan, service.UserProfile(ctx, "u1", voice.ContextNavigation))

	// A context preference can also become the default.
	require.NoError(t, service.SetPreference(ctx, "u1", guy, voice.ContextNavigation, true))
	assert.Equal(t, guy, service.UserProfile(ctx, "u1", voice.ContextWeather))
	assert.Equal(t, natasha, service.UserProfile(ctx, "u1", voice.ContextSocial))
}

func TestService_StoreFailureFallsThrough(t *testing.T) {
	t.Parallel()

	service := voice.NewService(newRegistry(t), failingStore{})

	resolved := service.UserProfile(context.Background(), "u1", voice.ContextNavigation)
	assert.Equal(t, core.StyleProfessional, resolved.Settings.Style)

	err := service.SetPreference(context.Background(), "u1", aria, "", true)
	require.ErrorIs(t, err, errStoreDown)
}

func TestService_SetPreferenceValidation(t *testing.T) {
	t.Parallel()

	service := newService(t)

	invalid := aria
	invalid.Settings.Speed = 9

	require.ErrorIs(t, service.SetPreference(context.Background(), "u1", invalid, "", true), core.ErrInvalidVoice)
	require.ErrorIs(t, service.SetPreference(context.Background(), "", aria, "", true), voice.ErrMissingUser)
}

func TestService_RateInteraction(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := preferences.NewMemoryStore()
	service := voice.NewService(newRegistry(t), store)

	require.NoError(t, service.RateInteraction(ctx, "u1", aria, 5, "clear and warm", voice.ContextGeneral))
	require.ErrorIs(t, service.RateInteraction(ctx, "u1", aria, 0.5, "", ""), voice.ErrInvalidRating)
	require.ErrorIs(t, service.RateInteraction(ctx, "u1", aria, 6, "", ""), voice.ErrInvalidRating)

	prefs, err := store.Get(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, prefs.Ratings, 1)
	assert.Equal(t, "aria", prefs.Ratings[0].VoiceID)
	assert.Equal(t, "clear and warm", prefs.Ratings[0].Feedback)
	assert.Equal(t, core.GenderFemale, prefs.Ratings[0].Gender)
}

func TestService_RecommendedVoices(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	service := newService(t)
	candidates := []core.VoiceProfile{aria, guy, natasha, ryan}

	// Without history, context fit decides: navigation wants professional adults.
	recommendations := service.RecommendedVoices(ctx, "u1", voice.ContextNavigation, candidates, 2)
	require.Len(t, recommendations, 2)
	assert.Equal(t, "guy", recommendations[0].Voice.VoiceID)
	assert.InDelta(t, 1.0, recommendations[0].ContextFit, 1e-9)
	assert.InDelta(t, 0.5, recommendations[0].PreferenceFit, 1e-9)
	assert.InDelta(t, 0.6+0.2, recommendations[0].Score, 1e-9)

	// A strongly disliked voice drops below an equally fitting one.
	require.NoError(t, service.RateInteraction(ctx, "u1", guy, 1, "", voice.ContextNavigation))
	require.NoError(t, service.RateInteraction(ctx, "u1", aria, 5, "", voice.ContextNavigation))

	recommendations = service.RecommendedVoices(ctx, "u1", voice.ContextNavigation, candidates, 0)
	require.Len(t, recommendations, 4)
	assert.Equal(t, "aria", recommendations[0].Voice.VoiceID)

	for i := 1; i < len(recommendations); i++ {
		assert.GreaterOrEqual(t, recommendations[i-1].Score, recommendations[i].Score)
	}
}

func TestService_RatingsSteerResolution(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	service := newService(t)

	before := service.UserProfile(ctx, "u1", voice.ContextSocial)
	assert.Equal(t, "aria", before.VoiceID, "the default voice without history")

	for range 5 {
		require.NoError(t, service.RateInteraction(ctx, "u1", natasha, 5, "", voice.ContextSocial))
		require.NoError(t, service.RateInteraction(ctx, "u1", aria, 1, "", voice.ContextSocial))
	}

	after := service.UserProfile(ctx, "u1", voice.ContextSocial)
	assert.Equal(t, "natasha", after.VoiceID)

	style, ok := voice.StyleForContext(voice.ContextSocial)
	require.True(t, ok)
	assert.Equal(t, voice.StyleSettings(style), after.Settings)

	// An explicit preference still wins over what the ratings suggest.
	require.NoError(t, service.SetPreference(ctx, "u1", guy, voice.ContextSocial, false))
	assert.Equal(t, guy, service.UserProfile(ctx, "u1", voice.ContextSocial))

	// Without candidates the default engine's catalogue is ranked.
	top := service.RecommendedVoices(ctx, "u1", voice.ContextSocial, nil, 1)
	require.Len(t, top, 1)
	assert.Equal(t, "natasha", top[0].Voice.VoiceID)
}

func TestPreferenceFit(t *testing.T) {
	t.Parallel()

	ratings := []voice.Rating{
		{VoiceID: "aria", Gender: core.GenderFemale, Age: core.AgeAdult, Accent: "american", Rating: 5, Context: "navigation"},
		{VoiceID: "aria", Gender: core.GenderFemale, Age: core.AgeAdult, Accent: "american", Rating: 1},
	}

	// Direct ratings: same-context rating counts double, (2*1 + 0) / 3.
	assert.InDelta(t, 2.0/3, voice.PreferenceFit(aria, "navigation", ratings), 1e-9)
	assert.InDelta(t, 0.5, voice.PreferenceFit(aria, "", ratings), 1e-9)

	// Similar voice: natasha shares only gender with aria's ratings.
	assert.InDelta(t, 0.5, voice.PreferenceFit(natasha, "", ratings), 1e-9)

	// Nothing in common: neutral.
	assert.InDelta(t, 0.5, voice.PreferenceFit(ryan, "", ratings[:1]), 1e-9)
	assert.InDelta(t, 0.5, voice.PreferenceFit(aria, "", nil), 1e-9)

	// Similar to a single loved voice.
	assert.InDelta(t, 1.0, voice.PreferenceFit(natasha, "", ratings[:1]), 1e-9)
}

func TestSimilarity(t *testing.T) {
	t.Parallel()

	rated := voice.Rating{Gender: core.GenderFemale, Age: core.AgeAdult, Accent: "american"}

	assert.InDelta(t, 1.0, voice.Similarity(aria, rated), 1e-9)
	assert.InDelta(t, 0.4, voice.Similarity(natasha, rated), 1e-9)
	assert.InDelta(t, 0.6, voice.Similarity(guy, rated), 1e-9)
	assert.InDelta(t, 0.0, voice.Similarity(ryan, rated), 1e-9)
}

func TestContextFit(t *testing.T) {
	t.Parallel()

	assert.InDelta(t, 1.0, voice.ContextFit(ryan, voice.ContextEmergency), 1e-9)
	assert.InDelta(t, 0.4, voice.ContextFit(aria, voice.ContextEmergency), 1e-9)
	assert.InDelta(t, 0.5, voice.ContextFit(aria, "unknown"), 1e-9)
}
