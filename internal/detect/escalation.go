package detect

import (
	"github.com/mavrotechnologies/sermon-flow-app-sub000/internal/normalize"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/pkg/types"
)

// Reason names the escalation rule that fired.
type Reason string

const (
	// ReasonVocabulary: theological vocabulary with no local detection.
	ReasonVocabulary Reason = "theological_vocabulary"

	// ReasonMediumOnly: medium-confidence detections and no high one.
	ReasonMediumOnly Reason = "medium_only"
)

// ShouldEscalate decides whether the caller should ask the external oracle.
// It is a pure function of policy, the window text and the run's
// detections.
//
//	medium-only: escalate iff some detection is medium and none is high.
//	always:      the medium-only rule, or theological vocabulary in text
//	             with zero detections.
//	never:       never.
func ShouldEscalate(policy Policy, text string, dets []Detection) (bool, Reason) {
	if policy == PolicyNever {
		return false, ""
	}
	var high, medium bool
	for _, d := range dets {
		switch d.Confidence.Level {
		case types.LevelHigh:
			high = true
		case types.LevelMedium:
			medium = true
		}
	}
	if medium && !high {
		return true, ReasonMediumOnly
	}
	if policy == PolicyAlways && len(dets) == 0 && normalize.HasTheologicalVocabulary(text) {
		return true, ReasonVocabulary
	}
	return false, ""
}
