package mock

import (
	"errors"
	"testing"
)

func TestParseHeaders(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    map[string]string
		wantErr bool
	}{
		{name: "blank", raw: "  ", want: map[string]string{}},
		{name: "null", raw: "null", want: map[string]string{}},
		{name: "object", raw: `{"Content-Type":"application/json"}`, want: map[string]string{"Content-Type": "application/json"}},
		{name: "string holding object", raw: `"{\"X-Mock\":\"yes\"}"`, want: map[string]string{"X-Mock": "yes"}},
		{name: "empty string", raw: `""`, want: map[string]string{}},
		{name: "scalars coerced", raw: `{"X-Count":3,"X-Flag":true,"X-Ratio":1.5}`, want: map[string]string{"X-Count": "3", "X-Flag": "true", "X-Ratio": "1.5"}},
		{name: "array joined", raw: `{"Vary":["Origin","Accept"]}`, want: map[string]string{"Vary": "Origin, Accept"}},
		{name: "null dropped", raw: `{"X-Gone":null,"X-Kept":"1"}`, want: map[string]string{"X-Kept": "1"}},
		{name: "invalid json", raw: `{"a":`, wantErr: true},
		{name: "array document", raw: `["a"]`, wantErr: true},
		{name: "number document", raw: `42`, wantErr: true},
		{name: "string without object", raw: `"plain"`, wantErr: true},
		{name: "nested object", raw: `{"X":{"y":1}}`, wantErr: true},
		{name: "nested array", raw: `{"X":[["a"]]}`, wantErr: true},
		{name: "empty name", raw: `{" ":"v"}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseHeaders(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %v", got)
				}
				var verr *ValidationError
				if !errors.As(err, &verr) || verr.Field != "headers" {
					t.Fatalf("expected headers ValidationError, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Fatalf("header %s: expected %q, got %q", k, v, got[k])
				}
			}
		})
	}
}
