package render

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"

	"evlogai/internal/model"
)

var pageTemplate = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8" />
<title>EvLogAI - {{.Title}}</title>
<style>
body { font-family: "Segoe UI", Arial, sans-serif; margin: 0; background: #f4f5f7; color: #222; }
header { background: #1f3b57; color: #fff; padding: 16px 24px; }
header h1 { margin: 0 0 6px 0; font-size: 20px; }
header p { margin: 0; font-size: 13px; opacity: .85; }
main { max-width: 960px; margin: 24px auto; background: #fff; padding: 24px 32px; border-radius: 6px; line-height: 1.5; }
pre, code { background: #f0f0f0; border-radius: 3px; }
pre { padding: 10px; overflow-x: auto; }
table { border-collapse: collapse; }
td, th { border: 1px solid #ccc; padding: 4px 8px; }
</style>
</head>
<body>
<header>
<h1>{{.Title}}</h1>
<p>Category: {{.Category}} ({{.Channel}}) &middot; {{.Records}} records &middot; {{.Generated}}</p>
</header>
<main>
{{.Body}}
</main>
</body>
</html>
`))

type pageData struct {
	Title     string
	Category  string
	Channel   string
	Records   int
	Generated string
	Body      template.HTML
}

// HTML writes the analysis as a standalone page and optionally opens it.
type HTML struct {
	dir         string
	openBrowser bool
	logger      arbor.ILogger
	md          goldmark.Markdown
	open        func(path string) error
}

// NewHTML writes pages into dir, or the OS temp dir when dir is empty.
func NewHTML(dir string, openBrowser bool, logger arbor.ILogger) *HTML {
	if dir == "" {
		dir = os.TempDir()
	}
	return &HTML{
		dir:         dir,
		openBrowser: openBrowser,
		logger:      logger,
		md: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithRendererOptions(
				html.WithHardWraps(),
				html.WithXHTML(),
			),
		),
		open: openInBrowser,
	}
}

func (h *HTML) Render(_ context.Context, text string, job model.Job) error {
	var body bytes.Buffer
	if err := h.md.Convert([]byte(stripOuterFence(text)), &body); err != nil {
		h.logger.Warn().Err(err).Msg("Markdown conversion failed; rendering as preformatted text")
		body.Reset()
		body.WriteString("<pre>" + template.HTMLEscapeString(text) + "</pre>")
	}

	f, err := os.CreateTemp(h.dir, "evlogai_*.html")
	if err != nil {
		return fmt.Errorf("create result page: %w", err)
	}
	data := pageData{
		Title:     job.Title,
		Category:  job.CategoryLabel,
		Channel:   job.CategoryChannel,
		Records:   len(job.Records),
		Generated: time.Now().Format("02/01/2006 15:04:05"),
		Body:      template.HTML(body.String()),
	}
	if err := pageTemplate.Execute(f, data); err != nil {
		f.Close()
		return fmt.Errorf("write result page: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close result page: %w", err)
	}

	path := f.Name()
	h.logger.Info().Str("job_id", job.ID).Str("path", path).Msg("Analysis page written")

	if h.openBrowser {
		if err := h.open(path); err != nil {
			// The page is on disk; failing to launch a browser is not fatal.
			h.logger.Warn().Err(err).Str("path", path).Msg("Failed to open browser")
		}
	}
	return nil
}

// stripOuterFence removes a code fence wrapping the whole text, which
// language models often add around markdown answers.
func stripOuterFence(s string) string {
	t := strings.TrimSpace(s)
	if !strings.HasPrefix(t, "```") || !strings.HasSuffix(t, "```") || len(t) < 6 {
		return s
	}
	nl := strings.Index(t, "\n")
	if nl < 0 {
		return s
	}
	lang := strings.TrimSpace(t[3:nl])
	if lang != "" && lang != "markdown" && lang != "md" {
		return s
	}
	return strings.TrimSpace(t[nl+1 : len(t)-3])
}

func openInBrowser(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", abs)
	case "darwin":
		cmd = exec.Command("open", abs)
	default:
		cmd = exec.Command("xdg-open", abs)
	}
	return cmd.Start()
}
