package callback

import (
	"bytes"
	"encoding/json"

	"github.com/valyala/fastjson"
)

// textKeys are tried in order when picking the text to render.
var textKeys = [...]string{"output", "text", "response"}

// Payload is the raw JSON body of one result delivery.
type Payload struct {
	Raw []byte
}

// Text returns the first non-empty string among output, text and response.
// Without one it returns the whole payload, indented.
func (p Payload) Text() string {
	var parser fastjson.Parser
	if v, err := parser.ParseBytes(p.Raw); err == nil && v.Type() == fastjson.TypeObject {
		for _, key := range textKeys {
			f := v.Get(key)
			if f == nil || f.Type() != fastjson.TypeString {
				continue
			}
			if s, _ := f.StringBytes(); len(s) > 0 {
				return string(s)
			}
		}
	}

	var buf bytes.Buffer
	if err := json.Indent(&buf, p.Raw, "", "  "); err != nil {
		return string(p.Raw)
	}
	return buf.String()
}
