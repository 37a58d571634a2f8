// Package reputation implements agent trust scoring.
//
// A trust score is an integer in [0,100]. It is seeded at registration from
// profile completeness, overwritten by the running average of peer feedback,
// and nudged upward by completed interactions and settled payments.
package reputation

// Score bounds and adjustments.
const (
	MinScore  = 0
	MaxScore  = 100
	BaseScore = 50

	MetadataBonus        = 5
	CapabilityBonus      = 5 // at MinCapabilitiesForBonus capabilities
	ExtraCapabilityBonus = 5 // at MinCapabilitiesForExtra capabilities

	MinCapabilitiesForBonus = 3
	MinCapabilitiesForExtra = 5

	// MinInteractionScore is the floor a target must meet to receive a new
	// A2A interaction request.
	MinInteractionScore = 40

	InteractionBoost = 1
	PaymentBoost     = 2

	MinRating   = 1
	MaxRating   = 5
	RatingScale = 20 // maps a 1-5 rating onto 20-100
)

// Tier is a display band derived from a score.
type Tier string

const (
	TierUntrusted   Tier = "untrusted"   // below MinInteractionScore
	TierNew         Tier = "new"         // 40-54
	TierEstablished Tier = "established" // 55-69
	TierTrusted     Tier = "trusted"     // 70-84
	TierElite       Tier = "elite"       // 85-100
)

// InitialScore computes the registration score.
func InitialScore(capabilities []string, metadata string) int {
	score := BaseScore
	if metadata != "" {
		score += MetadataBonus
	}
	if len(capabilities) >= MinCapabilitiesForBonus {
		score += CapabilityBonus
	}
	if len(capabilities) >= MinCapabilitiesForExtra {
		score += ExtraCapabilityBonus
	}
	return Clamp(score)
}

// FeedbackAverage folds one rating into a running average. count is the
// number of ratings including this one; prior is the average before it.
// The result replaces the agent's score outright.
func FeedbackAverage(prior, count, rating int) int {
	if count <= 0 {
		return Clamp(prior)
	}
	return Clamp((prior*(count-1) + rating*RatingScale) / count)
}

// Boost adds delta without leaving [MinScore, MaxScore].
func Boost(score, delta int) int {
	return Clamp(score + delta)
}

// Clamp bounds a score to [MinScore, MaxScore].
func Clamp(score int) int {
	if score < MinScore {
		return MinScore
	}
	if score > MaxScore {
		return MaxScore
	}
	return score
}

// ValidRating reports whether rating is on the 1-5 scale.
func ValidRating(rating int) bool {
	return rating >= MinRating && rating <= MaxRating
}

// CanReceiveInteraction reports whether an agent with score may be the
// target of a new interaction.
func CanReceiveInteraction(score int) bool {
	return score >= MinInteractionScore
}

// TierFor returns the display tier for a score.
func TierFor(score int) Tier {
	switch {
	case score >= 85:
		return TierElite
	case score >= 70:
		return TierTrusted
	case score >= 55:
		return TierEstablished
	case score >= MinInteractionScore:
		return TierNew
	default:
		return TierUntrusted
	}
}
