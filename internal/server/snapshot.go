package server

import (
	"math"

	"github.com/npezzotti/go-pollroom/internal/database"
	"github.com/npezzotti/go-pollroom/internal/types"
)

// BuildSnapshot reads the current tally for a poll and assembles a
// TallySnapshot. Percentages are count/total*100 rounded to one decimal,
// zero when the poll has no votes.
func BuildSnapshot(db database.PollRepository, poll database.Poll) (*types.TallySnapshot, error) {
	counts, total, err := db.GetPollTally(poll.Id)
	if err != nil {
		return nil, err
	}

	options := make([]types.OptionTally, len(counts))
	for i, oc := range counts {
		var pct float64
		if total > 0 {
			pct = math.Round(float64(oc.Count)/float64(total)*1000) / 10
		}

		options[i] = types.OptionTally{
			OptionId:   oc.OptionId,
			Text:       oc.Text,
			Count:      oc.Count,
			Percentage: pct,
		}
	}

	return &types.TallySnapshot{
		PollId:     poll.ExternalId,
		Question:   poll.Question,
		Options:    options,
		TotalVotes: total,
		Timestamp:  Now(),
	}, nil
}
