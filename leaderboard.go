package server

import (
	"sort"

	"relicrace/server/internal/race"
)

// statusRank buckets the leaderboard: finished runners first, then
// active ones, then the not-yet-started, with abandoned last.
func statusRank(s race.ParticipantStatus) int {
	switch s {
	case race.ParticipantFinished:
		return 0
	case race.ParticipantPlaying:
		return 1
	case race.ParticipantReady:
		return 2
	case race.ParticipantRegistered:
		return 3
	case race.ParticipantAbandoned:
		return 4
	default:
		return 5
	}
}

// leaderboardOrder returns the participants in display order without
// mutating the input. The sort is stable so REGISTERED/READY/ABANDONED
// runners keep their original registration order.
func leaderboardOrder(participants []*race.Participant) []*race.Participant {
	ordered := append([]*race.Participant(nil), participants...)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		ra, rb := statusRank(a.Status), statusRank(b.Status)
		if ra != rb {
			return ra < rb
		}
		switch a.Status {
		case race.ParticipantFinished:
			return a.IGTMillis < b.IGTMillis
		case race.ParticipantPlaying:
			if a.CurrentLayer != b.CurrentLayer {
				return a.CurrentLayer > b.CurrentLayer
			}
			return a.IGTMillis < b.IGTMillis
		default:
			return false
		}
	})
	return ordered
}
