//go:build windows

package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const powershellTimeout = 60 * time.Second

// powershellSource reads through Get-WinEvent. The whole result is fetched
// on Open and handed out as a single batch.
type powershellSource struct{}

type psEvent struct {
	Time       string `json:"time"`
	Provider   string `json:"provider"`
	ID         uint32 `json:"id"`
	Qualifiers uint16 `json:"qualifiers"`
	Level      uint8  `json:"level"`
	Keywords   string `json:"keywords"`
	Task       uint16 `json:"task"`
	Message    string `json:"message"`
}

func (powershellSource) Open(ctx context.Context, channel string, limit int) (Channel, error) {
	ctx, cancel := context.WithTimeout(ctx, powershellTimeout)
	defer cancel()

	script := fmt.Sprintf(`
[Console]::OutputEncoding = [System.Text.Encoding]::UTF8
try {
  $evs = Get-WinEvent -LogName '%s' -MaxEvents %d -ErrorAction Stop
} catch {
  if ($_.Exception.Message -like '*No events were found*') { '[]'; exit 0 }
  throw
}
@($evs | Select-Object @{Name="time";Expression={$_.TimeCreated.ToUniversalTime().ToString('o')}},
               @{Name="provider";Expression={$_.ProviderName}},
               @{Name="id";Expression={$_.Id}},
               @{Name="qualifiers";Expression={if ($_.Qualifiers) { $_.Qualifiers } else { 0 }}},
               @{Name="level";Expression={if ($_.Level) { $_.Level } else { 0 }}},
               @{Name="keywords";Expression={'{0:x}' -f $_.Keywords}},
               @{Name="task";Expression={if ($_.Task) { $_.Task } else { 0 }}},
               @{Name="message";Expression={$_.Message}}) |
 ConvertTo-Json -Compress -Depth 3
`, strings.ReplaceAll(channel, "'", "''"), limit)

	cmd := exec.CommandContext(ctx, "powershell.exe", "-NoProfile", "-NonInteractive", "-Command", script)
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("powershell Get-WinEvent: %w output=%s", err, strings.TrimSpace(stderr.String()))
	}

	data := bytes.TrimSpace(out.Bytes())
	if len(data) == 0 {
		return &sliceChannel{}, nil
	}
	// A single object is not wrapped in an array.
	if data[0] == '{' {
		data = append(append([]byte("["), data...), ']')
	}

	var evs []psEvent
	if err := json.Unmarshal(data, &evs); err != nil {
		return nil, fmt.Errorf("decode Get-WinEvent output: %w", err)
	}

	raw := make([]RawEvent, 0, len(evs))
	for _, ev := range evs {
		ts, err := time.Parse(time.RFC3339Nano, ev.Time)
		if err != nil {
			return nil, fmt.Errorf("parse time %q: %w", ev.Time, err)
		}
		r := RawEvent{
			TimeCreated: ts.UTC(),
			Provider:    ev.Provider,
			EventCode:   uint32(ev.Qualifiers)<<16 | ev.ID&0xFFFF,
			EventType:   classicType(ev.Level, parseUint(ev.Keywords, 16, 64)),
			Category:    ev.Task,
			Message:     ev.Message,
		}
		if ev.Message == "" {
			r.MessageErr = fmt.Errorf("no message for %s event %d", ev.Provider, ev.ID)
		}
		raw = append(raw, r)
	}
	return &sliceChannel{events: raw}, nil
}

// sliceChannel hands out a pre-read result once.
type sliceChannel struct {
	events []RawEvent
	done   bool
}

func (c *sliceChannel) Next(context.Context) ([]RawEvent, error) {
	if c.done {
		return nil, nil
	}
	c.done = true
	return c.events, nil
}

func (c *sliceChannel) Close() error { return nil }
