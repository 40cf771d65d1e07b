package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/bluelines/internal/model"
)

// timeLayout is fixed-width so TEXT comparison orders chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// Rows written by hand (fixtures, sqlite3 shell) may use plain RFC 3339.
		t, err = time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
		}
	}
	return t.UTC(), nil
}

func formatNullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func marshalFields(fs model.FieldSet) (string, error) {
	if fs == nil {
		fs = model.FieldSet{}
	}
	b, err := json.Marshal(fs)
	if err != nil {
		return "", fmt.Errorf("marshal fields: %w", err)
	}
	return string(b), nil
}

func unmarshalFields(s string) (model.FieldSet, error) {
	var fs model.FieldSet
	if err := json.Unmarshal([]byte(s), &fs); err != nil {
		return nil, fmt.Errorf("unmarshal fields: %w", err)
	}
	if fs == nil {
		fs = model.FieldSet{}
	}
	return fs, nil
}

func marshalAttributes(a model.Attributes) (string, error) {
	if a == nil {
		a = model.Attributes{}
	}
	b, err := json.Marshal(a)
	if err != nil {
		return "", fmt.Errorf("marshal attributes: %w", err)
	}
	return string(b), nil
}

func unmarshalAttributes(s string) (model.Attributes, error) {
	var a model.Attributes
	if err := json.Unmarshal([]byte(s), &a); err != nil {
		return nil, fmt.Errorf("unmarshal attributes: %w", err)
	}
	if a == nil {
		a = model.Attributes{}
	}
	return a, nil
}

func marshalWarnings(ws []model.Warning) (string, error) {
	if ws == nil {
		ws = []model.Warning{}
	}
	b, err := json.Marshal(ws)
	if err != nil {
		return "", fmt.Errorf("marshal warnings: %w", err)
	}
	return string(b), nil
}

func unmarshalWarnings(s string) ([]model.Warning, error) {
	var ws []model.Warning
	if err := json.Unmarshal([]byte(s), &ws); err != nil {
		return nil, fmt.Errorf("unmarshal warnings: %w", err)
	}
	if len(ws) == 0 {
		return nil, nil
	}
	return ws, nil
}
