package api

import (
	"time"

	"evlogai/internal/model"
)

// Payload is the JSON body posted to the analysis endpoint.
type Payload struct {
	Title           string            `json:"title"`
	Category        string            `json:"category"`
	CategoryWindows string            `json:"category_windows"`
	Description     string            `json:"description"`
	Timestamp       string            `json:"timestamp"`
	Filename        string            `json:"filename"`
	Filepath        string            `json:"filepath"`
	TotalLogs       int               `json:"total_logs"`
	Logs            []model.LogRecord `json:"logs"`
	CallbackURL     string            `json:"callback_url"`
	JobID           string            `json:"job_id"`
}

func NewPayload(job model.Job) Payload {
	logs := job.Records
	if logs == nil {
		logs = []model.LogRecord{}
	}
	return Payload{
		Title:           job.Title,
		Category:        job.CategoryLabel,
		CategoryWindows: job.CategoryChannel,
		Description:     job.Description,
		Timestamp:       job.CreatedAt.Format(time.RFC3339),
		Filename:        job.Report.Filename,
		Filepath:        job.Report.Filepath,
		TotalLogs:       len(job.Records),
		Logs:            logs,
		CallbackURL:     job.CallbackURL,
		JobID:           job.ID,
	}
}
