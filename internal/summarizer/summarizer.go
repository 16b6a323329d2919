package summarizer

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"evlogai/internal/model"
)

const topIDLimit = 5

// BuildJob assembles a Job from extracted records and caller metadata.
// The records slice is copied so later changes by the caller do not reach the job.
func BuildJob(title, categoryLabel, categoryChannel, description string, records []model.LogRecord, requested int, callbackURL string, report model.ReportRef) model.Job {
	recs := make([]model.LogRecord, len(records))
	copy(recs, records)
	return model.Job{
		ID:              uuid.NewString(),
		Title:           title,
		CategoryLabel:   categoryLabel,
		CategoryChannel: categoryChannel,
		Description:     description,
		CreatedAt:       time.Now(),
		Records:         recs,
		RequestedCount:  requested,
		CallbackURL:     callbackURL,
		Report:          report,
	}
}

// Summarize builds severity counts and the most frequent event ids.
func Summarize(records []model.LogRecord) model.Summary {
	severityCounts := map[model.Severity]int{}
	idCounts := map[uint16]int{}

	for _, rec := range records {
		severityCounts[rec.Severity]++
		idCounts[rec.EventID]++
	}

	topIDs := make([]model.TopEventID, 0, len(idCounts))
	for id, c := range idCounts {
		topIDs = append(topIDs, model.TopEventID{ID: id, Count: c})
	}
	sort.Slice(topIDs, func(i, j int) bool {
		if topIDs[i].Count == topIDs[j].Count {
			return topIDs[i].ID < topIDs[j].ID
		}
		return topIDs[i].Count > topIDs[j].Count
	})
	if len(topIDs) > topIDLimit {
		topIDs = topIDs[:topIDLimit]
	}

	return model.Summary{
		Total:          len(records),
		SeverityCounts: severityCounts,
		TopEventIDs:    topIDs,
	}
}
