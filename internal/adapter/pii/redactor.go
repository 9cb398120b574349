package pii

import (
	"encoding/json"
	"log/slog"
	"strings"
)

const RedactedPlaceholder = "[REDACTED]"

// Redactor blanks out named top-level fields of JSON payloads that leave the
// pipeline, such as alerts posted to a webhook.
type Redactor struct {
	fieldsToRedact map[string]struct{}
	logger         *slog.Logger
}

// NewRedactor creates a Redactor for the given field names. Blank names are ignored.
func NewRedactor(fields []string, logger *slog.Logger) *Redactor {
	fieldSet := make(map[string]struct{}, len(fields))
	for _, field := range fields {
		if field = strings.TrimSpace(field); field != "" {
			fieldSet[field] = struct{}{}
		}
	}
	return &Redactor{
		fieldsToRedact: fieldSet,
		logger:         logger.With("component", "pii"),
	}
}

// Redact returns payload with every configured field replaced by
// RedactedPlaceholder and reports whether anything changed. Payloads that are
// not JSON objects are returned with an error.
func (r *Redactor) Redact(payload []byte) ([]byte, bool, error) {
	if len(r.fieldsToRedact) == 0 {
		return payload, false, nil
	}

	var doc map[string]any
	if err := json.Unmarshal(payload, &doc); err != nil {
		r.logger.Warn("failed to unmarshal payload for PII redaction", "error", err)
		return payload, false, err
	}

	redacted := false
	for field := range r.fieldsToRedact {
		if _, ok := doc[field]; ok {
			doc[field] = RedactedPlaceholder
			redacted = true
		}
	}
	if !redacted {
		return payload, false, nil
	}

	out, err := json.Marshal(doc)
	if err != nil {
		r.logger.Error("failed to marshal payload after PII redaction", "error", err)
		return payload, false, err
	}
	return out, true, nil
}
