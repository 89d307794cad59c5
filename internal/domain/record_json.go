package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	keyID           = "id"
	keyAlternateKey = "alternate_key"
	keyStatus       = "status"
	keyTargetDate   = "target_date"
	keyCreatedAt    = "created_at"
	keyUpdatedAt    = "updated_at"

	// Earlier control documents used these names.
	legacyKeyID           = "batch_id"
	legacyKeyAlternateKey = "input_file"
)

var reservedKeys = map[string]struct{}{
	keyID:                 {},
	keyAlternateKey:       {},
	keyStatus:             {},
	keyTargetDate:         {},
	keyCreatedAt:          {},
	keyUpdatedAt:          {},
	legacyKeyID:           {},
	legacyKeyAlternateKey: {},
}

// IsReservedKey reports whether key names a fixed BatchRecord field on the wire.
func IsReservedKey(key string) bool {
	_, ok := reservedKeys[key]
	return ok
}

// naive ISO-8601 layouts are read as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999Z0700",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// MarshalJSON writes the record as one flat object: fixed fields plus Extra.
func (r BatchRecord) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Extra)+6)
	for k, v := range r.Extra {
		if IsReservedKey(k) {
			continue
		}
		out[k] = v
	}

	out[keyID] = r.ID
	out[keyAlternateKey] = r.AlternateKey
	out[keyStatus] = r.Status
	out[keyTargetDate] = r.TargetDate
	if v, ok := formatTimestamp(r.CreatedAt, r.rawCreatedAt); ok {
		out[keyCreatedAt] = v
	}
	if v, ok := formatTimestamp(r.UpdatedAt, r.rawUpdatedAt); ok {
		out[keyUpdatedAt] = v
	}

	return json.Marshal(out)
}

// UnmarshalJSON accepts both the canonical and the legacy field names.
func (r *BatchRecord) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	if raw == nil {
		return fmt.Errorf("batch record must be a JSON object")
	}

	rec := BatchRecord{
		ID:           firstString(raw, keyID, legacyKeyID),
		AlternateKey: firstString(raw, keyAlternateKey, legacyKeyAlternateKey),
		Status:       BatchStatus(firstString(raw, keyStatus)),
		TargetDate:   firstString(raw, keyTargetDate),
	}
	rec.CreatedAt, rec.rawCreatedAt = parseTimestamp(firstString(raw, keyCreatedAt))
	rec.UpdatedAt, rec.rawUpdatedAt = parseTimestamp(firstString(raw, keyUpdatedAt))

	for k, v := range raw {
		if IsReservedKey(k) {
			continue
		}
		if rec.Extra == nil {
			rec.Extra = make(map[string]any)
		}
		rec.Extra[k] = v
	}

	*r = rec
	return nil
}

func firstString(raw map[string]any, keys ...string) string {
	for _, key := range keys {
		v, ok := raw[key]
		if !ok || v == nil {
			continue
		}
		var s string
		switch typed := v.(type) {
		case string:
			s = typed
		case json.Number:
			s = typed.String()
		default:
			s = fmt.Sprint(typed)
		}
		if s != "" {
			return s
		}
	}
	return ""
}

// parseTimestamp returns the parsed time, or the zero time and the trimmed input
// when no layout matches.
func parseTimestamp(value string) (time.Time, string) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, ""
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return t.UTC(), ""
		}
	}
	return time.Time{}, value
}

// formatTimestamp writes t as RFC 3339. An unset t falls back to the unparsed
// value it was read from, so unknown formats survive a load and save.
func formatTimestamp(t time.Time, raw string) (string, bool) {
	if !t.IsZero() {
		return t.UTC().Format(time.RFC3339Nano), true
	}
	if raw != "" {
		return raw, true
	}
	return "", false
}
