package mock

import (
	"strings"

	"github.com/tidwall/gjson"
)

// ParseHeaders validates a mock header document and flattens it into a
// header map.
//
// Accepted forms are a JSON object, or a JSON string whose content is a JSON
// object. String, number and boolean values are kept as text, arrays of
// scalars are joined with ", " and null values are dropped. Nested objects
// are rejected. Blank input yields an empty map.
func ParseHeaders(raw string) (map[string]string, error) {
	headers := map[string]string{}
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return headers, nil
	}
	if !gjson.Valid(raw) {
		return nil, invalid("headers", "not valid JSON")
	}

	doc := gjson.Parse(raw)
	if doc.Type == gjson.String {
		inner := strings.TrimSpace(doc.String())
		if inner == "" {
			return headers, nil
		}
		if !gjson.Valid(inner) {
			return nil, invalid("headers", "string does not contain valid JSON")
		}
		doc = gjson.Parse(inner)
	}
	if !doc.IsObject() {
		return nil, invalid("headers", "must be a JSON object")
	}

	var err error
	doc.ForEach(func(key, value gjson.Result) bool {
		name := strings.TrimSpace(key.String())
		if name == "" {
			err = invalid("headers", "empty header name")
			return false
		}
		text, ok, convErr := headerText(value)
		if convErr != nil {
			err = invalid("headers", "%s: %s", name, convErr.Error())
			return false
		}
		if ok {
			headers[name] = text
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return headers, nil
}

type headerValueError string

func (e headerValueError) Error() string { return string(e) }

func headerText(value gjson.Result) (string, bool, error) {
	switch value.Type {
	case gjson.Null:
		return "", false, nil
	case gjson.String:
		return value.String(), true, nil
	case gjson.Number, gjson.True, gjson.False:
		return value.Raw, true, nil
	}

	if value.IsArray() {
		var parts []string
		for _, item := range value.Array() {
			text, ok, err := headerText(item)
			if err != nil {
				return "", false, err
			}
			if item.IsArray() {
				return "", false, headerValueError("nested arrays are not allowed")
			}
			if ok {
				parts = append(parts, text)
			}
		}
		return strings.Join(parts, ", "), true, nil
	}
	return "", false, headerValueError("nested objects are not allowed")
}
