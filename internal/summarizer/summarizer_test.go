package summarizer_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evlogai/internal/model"
	"evlogai/internal/summarizer"
)

func TestBuildJob(t *testing.T) {
	records := []model.LogRecord{
		{Source: "a", EventID: 1, Message: "first"},
		{Source: "b", EventID: 2, Message: "second"},
	}
	report := model.ReportRef{Filename: "EvLog_Sistema_x.txt", Filepath: "/tmp/EvLog_Sistema_x.txt"}

	before := time.Now()
	job := summarizer.BuildJob("Boot loop", "Sistema", "System", "after update", records, 50, "http://host:5050/callback", report)
	after := time.Now()

	_, err := uuid.Parse(job.ID)
	require.NoError(t, err)
	assert.Equal(t, "Boot loop", job.Title)
	assert.Equal(t, "Sistema", job.CategoryLabel)
	assert.Equal(t, "System", job.CategoryChannel)
	assert.Equal(t, "after update", job.Description)
	assert.Equal(t, 50, job.RequestedCount)
	assert.Equal(t, "http://host:5050/callback", job.CallbackURL)
	assert.Equal(t, report, job.Report)
	assert.False(t, job.CreatedAt.Before(before))
	assert.False(t, job.CreatedAt.After(after))
	assert.Equal(t, records, job.Records)

	records[0].Message = "changed"
	assert.Equal(t, "first", job.Records[0].Message)

	other := summarizer.BuildJob("t", "l", "c", "d", nil, 1, "u", model.ReportRef{})
	assert.NotEqual(t, job.ID, other.ID)
	assert.Empty(t, other.Records)
}

func TestSummarize(t *testing.T) {
	var records []model.LogRecord
	add := func(id uint16, sev model.Severity, n int) {
		for i := 0; i < n; i++ {
			records = append(records, model.LogRecord{EventID: id, Severity: sev})
		}
	}
	add(7036, model.SeverityInfo, 4)
	add(10016, model.SeverityError, 3)
	add(41, model.SeverityError, 3)
	add(1014, model.SeverityWarning, 2)
	add(6005, model.SeverityInfo, 1)
	add(6006, model.SeverityInfo, 1)

	s := summarizer.Summarize(records)
	assert.Equal(t, 14, s.Total)
	assert.Equal(t, 6, s.SeverityCounts[model.SeverityInfo])
	assert.Equal(t, 6, s.SeverityCounts[model.SeverityError])
	assert.Equal(t, 2, s.SeverityCounts[model.SeverityWarning])
	assert.Equal(t, []model.TopEventID{
		{ID: 7036, Count: 4},
		{ID: 41, Count: 3},
		{ID: 10016, Count: 3},
		{ID: 1014, Count: 2},
		{ID: 6005, Count: 1},
	}, s.TopEventIDs)
}

func TestSummarizeEmpty(t *testing.T) {
	s := summarizer.Summarize(nil)
	assert.Zero(t, s.Total)
	assert.Empty(t, s.TopEventIDs)
}
