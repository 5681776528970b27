package voice

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/book-expert/logger"
	"github.com/wheelsandwins/pam-tts/internal/core"
)

// Rating bounds.
const (
	MinRating = 1.0
	MaxRating = 5.0
)

// Recommendation weights and similarity increments.
const (
	contextFitWeight    = 0.6
	preferenceFitWeight = 0.4
	styleMatchWeight    = 0.6
	ageMatchWeight      = 0.4
	genderSimilarity    = 0.4
	ageSimilarity       = 0.3
	accentSimilarity    = 0.3
	neutralFit          = 0.5
	sameContextWeight   = 2.0
	maxRatingHistory    = 200
)

const (
	logFmtStoreRead      = "Failed to read voice preferences for user %s: %v"
	logFmtInvalidStored  = "Ignoring invalid stored voice for user %s: %v"
	logFmtPreferenceSet  = "Stored voice %s for user %s (context %q, default %t)"
	logFmtRatingRecorded = "User %s rated voice %s %.1f"
)

// Errors returned by the service.
var (
	ErrNotFound      = errors.New("voice preferences not found")
	ErrInvalidRating = errors.New("rating must be between 1.0 and 5.0")
	ErrMissingUser   = errors.New("user id cannot be empty")
)

// Rating is one user rating of a voice.
type Rating struct {
	VoiceID  string           `json:"voice_id"`
	Engine   string           `json:"engine"`
	Gender   core.Gender      `json:"gender"`
	Age      core.AgeCategory `json:"age"`
	Accent   string           `json:"accent"`
	Context  string           `json:"context,omitempty"`
	Rating   float64          `json:"rating"`
	Feedback string           `json:"feedback,omitempty"`
	RatedAt  time.Time        `json:"rated_at"`
}

// UserPreferences is the per-user record kept by a PreferenceStore.
type UserPreferences struct {
	UserID    string                       `json:"user_id"`
	Default   *core.VoiceProfile           `json:"default,omitempty"`
	Contexts  map[string]core.VoiceProfile `json:"contexts,omitempty"`
	Ratings   []Rating                     `json:"ratings,omitempty"`
	UpdatedAt time.Time                    `json:"updated_at"`
}

// PreferenceStore persists UserPreferences. Get returns ErrNotFound for
// unknown users.
type PreferenceStore interface {
	Get(ctx context.Context, userID string) (UserPreferences, error)
	Upsert(ctx context.Context, prefs UserPreferences) error
}

// Recommendation is a scored candidate voice.
type Recommendation struct {
	Voice         core.VoiceProfile `json:"voice"`
	Score         float64           `json:"score"`
	ContextFit    float64           `json:"context_fit"`
	PreferenceFit float64           `json:"preference_fit"`
}

type contextPreference struct {
	styles []core.VoiceStyle
	ages   []core.AgeCategory
}

// contextPreferences describes the voices that suit each context.
var contextPreferences = map[string]contextPreference{
	ContextGeneral: {
		styles: []core.VoiceStyle{core.StyleFriendly, core.StyleCasual},
		ages:   []core.AgeCategory{core.AgeAdult, core.AgeYoung},
	},
	ContextNavigation: {
		styles: []core.VoiceStyle{core.StyleProfessional, core.StyleCalm},
		ages:   []core.AgeCategory{core.AgeAdult},
	},
	ContextEmergency: {
		styles: []core.VoiceStyle{core.StyleCalm, core.StyleAuthoritative},
		ages:   []core.AgeCategory{core.AgeAdult, core.AgeMature},
	},
	ContextSocial: {
		styles: []core.VoiceStyle{core.StyleCasual, core.StyleFriendly, core.StyleEnergetic},
		ages:   []core.AgeCategory{core.AgeYoung, core.AgeAdult},
	},
	ContextTripPlan: {
		styles: []core.VoiceStyle{core.StyleEnergetic, core.StyleFriendly},
		ages:   []core.AgeCategory{core.AgeYoung, core.AgeAdult},
	},
	ContextFinancial: {
		styles: []core.VoiceStyle{core.StyleProfessional, core.StyleAuthoritative},
		ages:   []core.AgeCategory{core.AgeAdult, core.AgeMature},
	},
	ContextSafetyAlert: {
		styles: []core.VoiceStyle{core.StyleAuthoritative, core.StyleCalm},
		ages:   []core.AgeCategory{core.AgeAdult, core.AgeMature},
	},
	ContextWeather: {
		styles: []core.VoiceStyle{core.StyleCalm, core.StyleFriendly},
		ages:   []core.AgeCategory{core.AgeAdult},
	},
}

// Service maps a user and context to the best voice profile.
type Service struct {
	registry *Registry
	store    PreferenceStore
	now      func() time.Time
	log      *logger.Logger
}

// ServiceOption customizes a Service.
type ServiceOption func(*Service)

// WithLogger attaches a logger.
func WithLogger(log *logger.Logger) ServiceOption {
	return func(s *Service) {
		s.log = log
	}
}

// WithClock replaces the time source used to stamp ratings.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		s.now = now
	}
}

// NewService creates a personalization service over registry and store.
func NewService(registry *Registry, store PreferenceStore, opts ...ServiceOption) *Service {
	service := &Service{
		registry: registry,
		store:    store,
		now:      time.Now,
	}

	for _, opt := range opts {
		opt(service)
	}

	return service
}

// Registry returns the voice catalogue.
func (s *Service) Registry() *Registry {
	return s.registry
}

// UserProfile resolves the voice for userID in context. It checks, in order,
// the user's preference for the context, the user's default, the voice the
// user's rating history favours and the style table. It never fails: store
// errors fall through to the style table.
func (s *Service) UserProfile(ctx context.Context, userID, tag string) core.VoiceProfile {
	var ratings []Rating

	if userID != "" {
		prefs, err := s.store.Get(ctx, userID)

		switch {
		case err == nil:
			if profile, ok := s.storedProfile(userID, prefs, tag); ok {
				return profile
			}

			ratings = prefs.Ratings
		case !errors.Is(err, ErrNotFound):
			s.warn(logFmtStoreRead, userID, err)
		}
	}

	if profile, ok := s.learnedProfile(tag, ratings); ok {
		return profile
	}

	return s.registry.ProfileForContext(tag)
}

// learnedProfile ranks the default engine's voices against ratings and tunes
// the winner for the context.
func (s *Service) learnedProfile(tag string, ratings []Rating) (core.VoiceProfile, bool) {
	if len(ratings) == 0 {
		return core.VoiceProfile{}, false
	}

	ranked := recommend(tag, s.registry.Voices(s.registry.DefaultEngine()), ratings)
	if len(ranked) == 0 {
		return core.VoiceProfile{}, false
	}

	style, ok := StyleForContext(tag)
	if !ok {
		style = DefaultStyle
	}

	return ranked[0].Voice.WithSettings(StyleSettings(style)), true
}

func (s *Service) storedProfile(userID string, prefs UserPreferences, tag string) (core.VoiceProfile, bool) {
	candidates := make([]core.VoiceProfile, 0, 2)

	if profile, ok := prefs.Contexts[tag]; ok && tag != "" {
		candidates = append(candidates, profile)
	}

	if prefs.Default != nil {
		candidates = append(candidates, *prefs.Default)
	}

	for _, profile := range candidates {
		if err := profile.Validate(); err != nil {
			s.warn(logFmtInvalidStored, userID, err)

			continue
		}

		return profile, true
	}

	return core.VoiceProfile{}, false
}

// SetPreference stores profile for userID. A profile without a context, or
// with isDefault set, becomes the user's default.
func (s *Service) SetPreference(
	ctx context.Context,
	userID string,
	profile core.VoiceProfile,
	tag string,
	isDefault bool,
) error {
	if userID == "" {
		return ErrMissingUser
	}

	if err := profile.Validate(); err != nil {
		return err
	}

	prefs, err := s.load(ctx, userID)
	if err != nil {
		return err
	}

	if tag != "" {
		prefs.Contexts[tag] = profile
	}

	if isDefault || tag == "" {
		stored := profile
		prefs.Default = &stored
	}

	prefs.UpdatedAt = s.now()

	if err := s.store.Upsert(ctx, prefs); err != nil {
		return fmt.Errorf("failed to store voice preference: %w", err)
	}

	s.info(logFmtPreferenceSet, profile.VoiceID, userID, tag, isDefault)

	return nil
}

// RateInteraction appends a rating to the user's history. High ratings make
// the voice score better in later recommendations and low ratings worse.
func (s *Service) RateInteraction(
	ctx context.Context,
	userID string,
	profile core.VoiceProfile,
	rating float64,
	feedback, tag string,
) error {
	if userID == "" {
		return ErrMissingUser
	}

	if rating < MinRating || rating > MaxRating || math.IsNaN(rating) {
		return fmt.Errorf("%w: got %.2f", ErrInvalidRating, rating)
	}

	prefs, err := s.load(ctx, userID)
	if err != nil {
		return err
	}

	prefs.Ratings = append(prefs.Ratings, Rating{
		VoiceID:  profile.VoiceID,
		Engine:   profile.Engine,
		Gender:   profile.Gender,
		Age:      profile.Age,
		Accent:   profile.Accent,
		Context:  tag,
		Rating:   rating,
		Feedback: feedback,
		RatedAt:  s.now(),
	})

	if overflow := len(prefs.Ratings) - maxRatingHistory; overflow > 0 {
		prefs.Ratings = slices.Delete(prefs.Ratings, 0, overflow)
	}

	prefs.UpdatedAt = s.now()

	if err := s.store.Upsert(ctx, prefs); err != nil {
		return fmt.Errorf("failed to store voice rating: %w", err)
	}

	s.info(logFmtRatingRecorded, userID, profile.VoiceID, rating)

	return nil
}

// RecommendedVoices scores every candidate as 0.6*context fit plus 0.4*user
// preference fit and returns the best limit of them. A limit of zero or less
// returns every candidate. Without candidates the default engine's voices
// are ranked.
func (s *Service) RecommendedVoices(
	ctx context.Context,
	userID, tag string,
	available []core.VoiceProfile,
	limit int,
) []Recommendation {
	var ratings []Rating

	if userID != "" {
		prefs, err := s.store.Get(ctx, userID)

		switch {
		case err == nil:
			ratings = prefs.Ratings
		case !errors.Is(err, ErrNotFound):
			s.warn(logFmtStoreRead, userID, err)
		}
	}

	if len(available) == 0 {
		available = s.registry.Voices(s.registry.DefaultEngine())
	}

	recommendations := recommend(tag, available, ratings)

	if limit > 0 && len(recommendations) > limit {
		recommendations = recommendations[:limit]
	}

	return recommendations
}

// recommend scores and sorts available, best first. Equal scores are
// ordered by voice id.
func recommend(tag string, available []core.VoiceProfile, ratings []Rating) []Recommendation {
	recommendations := make([]Recommendation, 0, len(available))

	for _, candidate := range available {
		contextFit := ContextFit(candidate, tag)
		preferenceFit := PreferenceFit(candidate, tag, ratings)

		recommendations = append(recommendations, Recommendation{
			Voice:         candidate,
			Score:         contextFitWeight*contextFit + preferenceFitWeight*preferenceFit,
			ContextFit:    contextFit,
			PreferenceFit: preferenceFit,
		})
	}

	slices.SortStableFunc(recommendations, func(a, b Recommendation) int {
		if byScore := cmp.Compare(b.Score, a.Score); byScore != 0 {
			return byScore
		}

		return cmp.Compare(a.Voice.VoiceID, b.Voice.VoiceID)
	})

	return recommendations
}

// ContextFit rewards a voice whose style and age suit the context. Unknown
// contexts score every voice as neutral.
func ContextFit(candidate core.VoiceProfile, tag string) float64 {
	preference, ok := contextPreferences[tag]
	if !ok {
		return neutralFit
	}

	fit := 0.0

	if slices.Contains(preference.styles, candidate.Settings.Style) {
		fit += styleMatchWeight
	}

	if slices.Contains(preference.ages, candidate.Age) {
		fit += ageMatchWeight
	}

	return fit
}

// PreferenceFit scores a voice from the user's rating history. Direct ratings
// of the voice are used when present, with ratings given in the same context
// counting double. Otherwise ratings of other voices are averaged, weighted
// by how similar those voices are. Without any history the fit is neutral.
func PreferenceFit(candidate core.VoiceProfile, tag string, ratings []Rating) float64 {
	var directSum, directWeight float64

	for _, rating := range ratings {
		if rating.VoiceID != candidate.VoiceID {
			continue
		}

		weight := 1.0
		if tag != "" && rating.Context == tag {
			weight = sameContextWeight
		}

		directSum += weight * normalizeRating(rating.Rating)
		directWeight += weight
	}

	if directWeight > 0 {
		return directSum / directWeight
	}

	var similarSum, similarWeight float64

	for _, rating := range ratings {
		similarity := Similarity(candidate, rating)
		if similarity == 0 {
			continue
		}

		similarSum += similarity * normalizeRating(rating.Rating)
		similarWeight += similarity
	}

	if similarWeight == 0 {
		return neutralFit
	}

	return similarSum / similarWeight
}

// Similarity adds a fixed increment for each of gender, age and accent that
// the candidate shares with the rated voice.
func Similarity(candidate core.VoiceProfile, rated Rating) float64 {
	similarity := 0.0

	if candidate.Gender != "" && candidate.Gender == rated.Gender {
		similarity += genderSimilarity
	}

	if candidate.Age != "" && candidate.Age == rated.Age {
		similarity += ageSimilarity
	}

	if candidate.Accent != "" && candidate.Accent == rated.Accent {
		similarity += accentSimilarity
	}

	return similarity
}

func normalizeRating(rating float64) float64 {
	return (rating - MinRating) / (MaxRating - MinRating)
}

func (s *Service) load(ctx context.Context, userID string) (UserPreferences, error) {
	prefs, err := s.store.Get(ctx, userID)

	switch {
	case errors.Is(err, ErrNotFound):
		prefs = UserPreferences{UserID: userID}
	case err != nil:
		return UserPreferences{}, fmt.Errorf("failed to load voice preferences: %w", err)
	}

	if prefs.Contexts == nil {
		prefs.Contexts = make(map[string]core.VoiceProfile)
	}

	prefs.UserID = userID

	return prefs, nil
}

func (s *Service) info(format string, args ...any) {
	if s.log != nil {
		s.log.Info(format, args...)
	}
}

func (s *Service) warn(format string, args ...any) {
	if s.log != nil {
		s.log.Warn(format, args...)
	}
}
