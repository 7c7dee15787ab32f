package forward

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net/http"

	"github.com/goccy/go-json"
)

// Usage is the provider's token accounting.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type usageEnvelope struct {
	Model string `json:"model"`
	Usage *Usage `json:"usage"`
}

var (
	dataPrefix = []byte("data:")
	doneMarker = []byte("[DONE]")
	usageField = []byte(`"usage"`)
)

// streamSSE copies an event stream to w line by line, flushing after each
// line, and captures the model and the usage-bearing event on the way past.
// Lines after [DONE] are still copied but not inspected.
func streamSSE(w http.ResponseWriter, upstream io.Reader) (string, *Usage, error) {
	br := bufio.NewReaderSize(upstream, 32*1024)

	var model string
	var usage *Usage
	done := false

	fl, _ := w.(http.Flusher)

	for {
		line, err := br.ReadBytes('\n')

		if len(line) > 0 {
			if _, werr := w.Write(line); werr != nil {
				return model, usage, werr
			}
			if fl != nil {
				fl.Flush()
			}

			if !done {
				trim := bytes.TrimSpace(line)
				if bytes.HasPrefix(trim, dataPrefix) {
					payload := bytes.TrimSpace(trim[len(dataPrefix):])
					switch {
					case bytes.Equal(payload, doneMarker):
						done = true
					case len(payload) > 0 && payload[0] == '{' && (model == "" || bytes.Contains(payload, usageField)):
						var ev usageEnvelope
						if json.Unmarshal(payload, &ev) == nil {
							if ev.Model != "" {
								model = ev.Model
							}
							if ev.Usage != nil {
								usage = ev.Usage
							}
						}
					}
				}
			}
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				return model, usage, nil
			}
			return model, usage, err
		}
	}
}

// parseUsage reads model and usage from a buffered JSON response.
func parseUsage(body []byte) (string, *Usage) {
	var ev usageEnvelope
	if err := json.Unmarshal(body, &ev); err != nil {
		return "", nil
	}
	return ev.Model, ev.Usage
}
