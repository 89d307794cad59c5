package horoscope

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

const (
	systemPrompt       = "You are a friendly, creative and professional horoscope writer."
	defaultTemperature = 0.8
)

// Rider is one entry of the riders list.
type Rider struct {
	Name      string `json:"name"`
	BirthDate string `json:"birth_date"`
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatCompletionBody struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
}

// BatchRequest is one JSONL line of a batch input file.
type BatchRequest struct {
	CustomID string             `json:"custom_id"`
	Method   string             `json:"method"`
	URL      string             `json:"url"`
	Body     ChatCompletionBody `json:"body"`
}

// RequestBuilder turns riders into chat-completion batch requests.
type RequestBuilder struct {
	model       string
	endpoint    string
	temperature float64
	title       cases.Caser
}

func NewRequestBuilder(model string, endpoint string) (*RequestBuilder, error) {
	if strings.TrimSpace(model) == "" {
		return nil, fmt.Errorf("model is required")
	}
	if strings.TrimSpace(endpoint) == "" {
		return nil, fmt.Errorf("endpoint is required")
	}

	return &RequestBuilder{
		model:       model,
		endpoint:    endpoint,
		temperature: defaultTemperature,
		title:       cases.Title(language.Und),
	}, nil
}

// Build returns the request for rider and the sign used in its prompt.
// An unparseable birth date yields UnknownSign and a non-nil error alongside a usable request.
func (b *RequestBuilder) Build(rider Rider, targetDate string) (BatchRequest, string, error) {
	name := b.title.String(strings.TrimSpace(rider.Name))
	sign, signErr := ZodiacSign(rider.BirthDate)

	req := BatchRequest{
		CustomID: name,
		Method:   "POST",
		URL:      b.endpoint,
		Body: ChatCompletionBody{
			Model: b.model,
			Messages: []Message{
				{Role: "system", Content: systemPrompt},
				{Role: "user", Content: userPrompt(name, sign, targetDate)},
			},
			Temperature: b.temperature,
		},
	}
	return req, sign, signErr
}

func userPrompt(name string, sign string, targetDate string) string {
	return fmt.Sprintf(
		"Generate a daily horoscope for %s, whose zodiac sign is %s, for the date %s. "+
			"Make it friendly, encouraging, personalized and a little bit mystical. "+
			"Do not include astrological terms. Keep it under 3 sentences and feel free to "+
			"use some cycling jargon, but not too much. Don't forget some advice for personal "+
			"life or for race recovery, maybe some improvement in technical setup or strategic "+
			"planning or nutrition.",
		name, sign, targetDate,
	)
}

// WriteJSONL writes one JSON object per line.
func WriteJSONL(w io.Writer, requests []BatchRequest) error {
	buf := bufio.NewWriter(w)
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)

	for i, req := range requests {
		if err := enc.Encode(req); err != nil {
			return fmt.Errorf("failed to encode request %d: %w", i, err)
		}
	}
	if err := buf.Flush(); err != nil {
		return fmt.Errorf("failed to flush requests: %w", err)
	}
	return nil
}
