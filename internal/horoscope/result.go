package horoscope

import (
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
)

const unknownName = "unknown"

// Result is the payload stored for every successfully generated horoscope.
type Result struct {
	Name      string `json:"name"`
	Sign      string `json:"sign"`
	Horoscope string `json:"horoscope"`
}

// ErrEmptyContent marks a result line whose response carries no text.
var ErrEmptyContent = errors.New("empty response content")

type outputLine struct {
	CustomID *string `json:"custom_id"`
	Response *struct {
		StatusCode int `json:"status_code"`
		Body       struct {
			Choices []struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
			} `json:"choices"`
		} `json:"body"`
	} `json:"response"`
}

// ParseResultLine decodes one line of a batch output file.
// A line without content returns the decoded name and ErrEmptyContent.
func ParseResultLine(line []byte) (Result, error) {
	var item outputLine
	if err := json.Unmarshal(line, &item); err != nil {
		return Result{}, fmt.Errorf("failed to parse result line: %w", err)
	}

	name := unknownName
	if item.CustomID != nil {
		name = *item.CustomID
	}
	name = strings.ReplaceAll(name, " ", "_")

	var content string
	if item.Response != nil && len(item.Response.Body.Choices) > 0 {
		content = strings.TrimSpace(item.Response.Body.Choices[0].Message.Content)
	}
	if content == "" {
		return Result{Name: name}, ErrEmptyContent
	}

	return Result{Name: name, Horoscope: content}, nil
}

// ResultKey is the lower-cased storage key for a rider's result on targetDate.
func ResultKey(prefix string, targetDate string, name string) string {
	return strings.ToLower(path.Join(prefix, targetDate, name+".json"))
}
