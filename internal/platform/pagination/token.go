package pagination

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EncodeToken serialises the provided cursor into a base64 URL-safe page token.
func EncodeToken(cursor Cursor) (string, error) {
	if len(cursor.StartAfter) == 0 && len(cursor.StartAt) == 0 {
		return "", nil
	}
	data, err := json.Marshal(cursor)
	if err != nil {
		return "", fmt.Errorf("pagination: encode token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// DecodeToken parses the page token produced by EncodeToken back into a cursor.
func DecodeToken(token string) (Cursor, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Cursor{}, nil
	}
	decoded, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	var cursor Cursor
	if err := json.Unmarshal(decoded, &cursor); err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	return cursor, nil
}

// EncodeTimeCursor builds a page token positioned after the (timestamp, id) pair of the last item
// returned. Timestamps are encoded as RFC3339Nano strings so they survive the JSON round trip.
func EncodeTimeCursor(at time.Time, id string) (string, error) {
	if at.IsZero() && strings.TrimSpace(id) == "" {
		return "", nil
	}
	return EncodeToken(Cursor{StartAfter: []any{at.UTC().Format(time.RFC3339Nano), id}})
}

// DecodeTimeCursor parses tokens produced by EncodeTimeCursor. An empty token yields ok=false.
func DecodeTimeCursor(token string) (time.Time, string, bool, error) {
	cursor, err := DecodeToken(token)
	if err != nil {
		return time.Time{}, "", false, err
	}
	if len(cursor.StartAfter) == 0 {
		return time.Time{}, "", false, nil
	}
	if len(cursor.StartAfter) != 2 {
		return time.Time{}, "", false, fmt.Errorf("%w: unexpected cursor shape", ErrInvalidPageToken)
	}
	rawAt, ok := cursor.StartAfter[0].(string)
	if !ok {
		return time.Time{}, "", false, fmt.Errorf("%w: cursor timestamp", ErrInvalidPageToken)
	}
	id, ok := cursor.StartAfter[1].(string)
	if !ok {
		return time.Time{}, "", false, fmt.Errorf("%w: cursor id", ErrInvalidPageToken)
	}
	at, err := time.Parse(time.RFC3339Nano, rawAt)
	if err != nil {
		return time.Time{}, "", false, fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	return at, id, true, nil
}
