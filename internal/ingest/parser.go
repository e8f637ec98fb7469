package ingest

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"biowave/internal/models"
)

// Wire field prefixes: E:<ecg>;P:<ppg>[;S:<spo2>]
const (
	prefixECG  = "E:"
	prefixPPG  = "P:"
	prefixSpO2 = "S:"

	fieldSep = ";"
)

// ErrMalformed is matched by every parse failure.
var ErrMalformed = errors.New("malformed message")

// MalformedError describes why a line was rejected.
type MalformedError struct {
	Line   string
	Reason string
	Err    error
}

func (e *MalformedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed message %q: %s: %v", e.Line, e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed message %q: %s", e.Line, e.Reason)
}

func (e *MalformedError) Is(target error) bool { return target == ErrMalformed }

func (e *MalformedError) Unwrap() error { return e.Err }

// ParseLine parses a sanitized line into a sample. The index is left zero.
func ParseLine(line string) (models.Sample, error) {
	if !strings.HasPrefix(line, prefixECG) || !strings.Contains(line, fieldSep+prefixPPG) {
		return models.Sample{}, &MalformedError{Line: line, Reason: "missing E:/;P: fields"}
	}
	parts := strings.Split(line, fieldSep)
	if !strings.HasPrefix(parts[1], prefixPPG) {
		return models.Sample{}, &MalformedError{Line: line, Reason: "second field is not P:"}
	}

	ecg, err := parseField(parts[0], prefixECG)
	if err != nil {
		return models.Sample{}, &MalformedError{Line: line, Reason: "bad ecg field", Err: err}
	}
	ppg, err := parseField(parts[1], prefixPPG)
	if err != nil {
		return models.Sample{}, &MalformedError{Line: line, Reason: "bad ppg field", Err: err}
	}

	s := models.Sample{ECG: ecg, PPG: ppg}
	if len(parts) >= 3 && strings.HasPrefix(parts[2], prefixSpO2) && len(parts[2]) > len(prefixSpO2) {
		spo2, err := parseField(parts[2], prefixSpO2)
		if err != nil {
			return models.Sample{}, &MalformedError{Line: line, Reason: "bad spo2 field", Err: err}
		}
		s.SpO2 = &spo2
	}
	return s, nil
}

// parseField strips prefix and parses the rest as a finite float.
func parseField(field, prefix string) (float64, error) {
	raw := strings.TrimSpace(strings.TrimPrefix(field, prefix))
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("non-finite value %q", raw)
	}
	return v, nil
}
