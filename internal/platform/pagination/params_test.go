package pagination

import (
	"errors"
	"net/url"
	"testing"
	"time"
)

func TestParseDefaults(t *testing.T) {
	params, err := Parse(url.Values{}, Options{})
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if params.PageSize != DefaultPageSize {
		t.Fatalf("expected default page size %d got %d", DefaultPageSize, params.PageSize)
	}
	if params.PageToken != "" {
		t.Fatalf("expected empty page token got %q", params.PageToken)
	}
}

func TestParsePageSize(t *testing.T) {
	opts := Options{DefaultPageSize: 25, MaxPageSize: 40}
	cases := map[string]int{
		"30":  30,
		"400": 40,
		"0":   25,
		"-3":  25,
		" ":   25,
	}
	for raw, want := range cases {
		values := url.Values{}
		values.Set(PageSizeParam, raw)
		params, err := Parse(values, opts)
		if err != nil {
			t.Fatalf("Parse(%q) returned error: %v", raw, err)
		}
		if params.PageSize != want {
			t.Fatalf("Parse(%q) page size = %d, want %d", raw, params.PageSize, want)
		}
	}
}

func TestParseDefaultNeverExceedsMax(t *testing.T) {
	params, err := Parse(url.Values{}, Options{DefaultPageSize: 80, MaxPageSize: 20})
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if params.PageSize != 20 {
		t.Fatalf("expected default clamped to 20 got %d", params.PageSize)
	}
}

func TestParseInvalidPageSize(t *testing.T) {
	values := url.Values{}
	values.Set(PageSizeParam, "ten")
	if _, err := Parse(values, Options{}); !errors.Is(err, ErrInvalidPageSize) {
		t.Fatalf("expected ErrInvalidPageSize got %v", err)
	}
}

func TestParsePageToken(t *testing.T) {
	token, err := EncodeTimeCursor(time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC), "ord_1")
	if err != nil {
		t.Fatalf("EncodeTimeCursor: %v", err)
	}
	values := url.Values{}
	values.Set(PageTokenParam, " "+token+" ")
	params, err := Parse(values, Options{})
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if params.PageToken != token {
		t.Fatalf("expected token %q got %q", token, params.PageToken)
	}

	values.Set(PageTokenParam, "%%%")
	if _, err := Parse(values, Options{}); !errors.Is(err, ErrInvalidPageToken) {
		t.Fatalf("expected ErrInvalidPageToken got %v", err)
	}
}

func TestEncodeTokenEmptyCursor(t *testing.T) {
	token, err := EncodeToken(Cursor{})
	if err != nil {
		t.Fatalf("EncodeToken returned error: %v", err)
	}
	if token != "" {
		t.Fatalf("expected empty token got %q", token)
	}
}

func TestDecodeTokenInvalid(t *testing.T) {
	if _, err := DecodeToken("not-base64"); !errors.Is(err, ErrInvalidPageToken) {
		t.Fatalf("expected ErrInvalidPageToken got %v", err)
	}
}

func TestTimeCursorRoundTrip(t *testing.T) {
	at := time.Date(2025, time.January, 2, 3, 4, 5, 123456789, time.UTC)
	token, err := EncodeTimeCursor(at, "order_1")
	if err != nil {
		t.Fatalf("EncodeTimeCursor: %v", err)
	}
	gotAt, gotID, ok, err := DecodeTimeCursor(token)
	if err != nil || !ok {
		t.Fatalf("DecodeTimeCursor: ok=%v err=%v", ok, err)
	}
	if !gotAt.Equal(at) || gotID != "order_1" {
		t.Fatalf("unexpected cursor %s %s", gotAt, gotID)
	}

	if _, _, ok, err := DecodeTimeCursor(""); ok || err != nil {
		t.Fatalf("expected empty token to decode as absent, ok=%v err=%v", ok, err)
	}

	bad, _ := EncodeToken(Cursor{StartAfter: []any{"not-a-time", "x"}})
	if _, _, _, err := DecodeTimeCursor(bad); !errors.Is(err, ErrInvalidPageToken) {
		t.Fatalf("expected invalid token error, got %v", err)
	}
}
