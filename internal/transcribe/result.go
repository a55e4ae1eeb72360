package transcribe

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// ParseResult extracts plain text from an engine result file. Whitespace
// is collapsed so the text fits on one transcript line.
func ParseResult(format string, data []byte) (string, error) {
	switch format {
	case "txt":
		return collapse(string(data)), nil
	case "srt", "vtt":
		return parseCues(data), nil
	case "json":
		return parseJSON(data)
	default:
		return "", fmt.Errorf("%w: output format %q", ErrUnsupportedOption, format)
	}
}

// parseCues keeps the text lines of SRT/WebVTT cues: the lines that follow
// a timing line within a blank-line separated block.
func parseCues(data []byte) string {
	var parts []string
	inCue := false
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "":
			inCue = false
		case strings.Contains(line, "-->"):
			inCue = true
		case inCue:
			parts = append(parts, line)
		}
	}
	return collapse(strings.Join(parts, " "))
}

type jsonResult struct {
	Text     *string `json:"text"`
	Segments []struct {
		Text string `json:"text"`
	} `json:"segments"`
}

func parseJSON(data []byte) (string, error) {
	var r jsonResult
	if err := json.Unmarshal(data, &r); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	if r.Text != nil {
		return collapse(*r.Text), nil
	}
	if r.Segments == nil {
		return "", fmt.Errorf("%w: json result has neither text nor segments", ErrMalformedOutput)
	}
	parts := make([]string, 0, len(r.Segments))
	for _, s := range r.Segments {
		parts = append(parts, s.Text)
	}
	return collapse(strings.Join(parts, " ")), nil
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
