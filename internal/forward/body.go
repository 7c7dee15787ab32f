package forward

import (
	"bytes"

	"github.com/goccy/go-json"
)

// BodyInfo is what could be learned from the request body.
type BodyInfo struct {
	Model    string
	Stream   bool
	Injected bool // stream_options.include_usage was added or forced on
	Parsed   bool
}

func inspect(body []byte) (map[string]json.RawMessage, BodyInfo) {
	var info BodyInfo
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, info
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, info
	}
	info.Parsed = true

	if raw, ok := fields["model"]; ok {
		_ = json.Unmarshal(raw, &info.Model)
	}
	if raw, ok := fields["stream"]; ok {
		_ = json.Unmarshal(raw, &info.Stream)
	}
	return fields, info
}

// PrepareBody inspects a provider request body. For streaming requests it
// sets stream_options.include_usage to true, keeping every other key. A body
// that is not a JSON object is returned unchanged.
func PrepareBody(body []byte) ([]byte, BodyInfo) {
	fields, info := inspect(body)
	if !info.Stream {
		return body, info
	}

	opts := map[string]json.RawMessage{}
	if raw, ok := fields["stream_options"]; ok && !bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		if err := json.Unmarshal(raw, &opts); err != nil {
			return body, info
		}
	}
	var include bool
	if raw, ok := opts["include_usage"]; ok && json.Unmarshal(raw, &include) == nil && include {
		return body, info
	}

	opts["include_usage"] = json.RawMessage("true")
	encoded, err := json.Marshal(opts)
	if err != nil {
		return body, info
	}
	fields["stream_options"] = encoded

	out, err := json.Marshal(fields)
	if err != nil {
		return body, info
	}
	info.Injected = true
	return out, info
}
