package render

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"evlogai/internal/model"
)

// Console prints the analysis text to W.
type Console struct {
	W io.Writer
}

func (c Console) Render(_ context.Context, text string, job model.Job) error {
	rule := strings.Repeat("=", 80)
	_, err := fmt.Fprintf(c.W, "%s\n  %s  [%s / %s]\n%s\n%s\n%s\n", rule, job.Title, job.CategoryLabel, job.CategoryChannel, rule, text, rule)
	return err
}

// Renderer is anything that can display an analysis for a job.
type Renderer interface {
	Render(ctx context.Context, text string, job model.Job) error
}

// Multi renders to every renderer and joins their errors.
type Multi []Renderer

func (m Multi) Render(ctx context.Context, text string, job model.Job) error {
	var errs []error
	for _, r := range m {
		if err := r.Render(ctx, text, job); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
