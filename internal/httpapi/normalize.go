package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"unicode"
)

// snakeCase converts a camelCase key ("refreshToken", "userID") to its
// snake_case form ("refresh_token", "user_id"). Snake keys pass unchanged.
func snakeCase(key string) string {
	var b strings.Builder
	runes := []rune(key)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			prevLower := i > 0 && !unicode.IsUpper(runes[i-1]) && runes[i-1] != '_'
			nextLower := i > 0 && i+1 < len(runes) && unicode.IsLower(runes[i+1]) && unicode.IsUpper(runes[i-1])
			if prevLower || nextLower {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// normalizeKeys rewrites the top-level keys of a JSON object to snake_case.
// Supplying the same field under both spellings is an error.
func normalizeKeys(raw []byte) ([]byte, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage, len(obj))
	for k, v := range obj {
		nk := snakeCase(k)
		if _, dup := out[nk]; dup {
			return nil, fmt.Errorf("field %q given more than once", nk)
		}
		out[nk] = v
	}
	return json.Marshal(out)
}

// decodeJSON reads one JSON object, normalizes its keys and decodes it into
// dst rejecting unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer reader.Close()
	body, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return errors.New("request body is required")
	}
	normalized, err := normalizeKeys(body)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(normalized))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
