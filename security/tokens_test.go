package security

import (
	"encoding/base64"
	"errors"
	"testing"
)

func TestTokenGenerator_Generate(t *testing.T) {
	gen := NewTokenGenerator()

	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		token, err := gen.Generate()
		if err != nil {
			t.Fatalf("Generate() error = %v", err)
		}
		if seen[token] {
			t.Fatalf("Generate() produced duplicate token %q", token)
		}
		seen[token] = true

		raw, err := base64.RawURLEncoding.DecodeString(token)
		if err != nil {
			t.Fatalf("token %q is not unpadded base64url: %v", token, err)
		}
		if len(raw)*8 < MinTokenEntropyBits {
			t.Fatalf("token carries %d bits, want >= %d", len(raw)*8, MinTokenEntropyBits)
		}
	}
}

func TestEntropyBits(t *testing.T) {
	tests := []struct {
		name  string
		token string
		want  int
	}{
		{name: "16 bytes", token: base64.RawURLEncoding.EncodeToString(make([]byte, 16)), want: 128},
		{name: "32 bytes", token: base64.RawURLEncoding.EncodeToString(make([]byte, 32)), want: 256},
		{name: "padded input rejected", token: "AAAA==", want: 0},
		{name: "std alphabet rejected", token: "a+b/", want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EntropyBits(tt.token); got != tt.want {
				t.Errorf("EntropyBits() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestGeneratorFunc(t *testing.T) {
	want := errors.New("boom")
	gen := GeneratorFunc(func() (string, error) { return "", want })
	if _, err := gen.Generate(); !errors.Is(err, want) {
		t.Errorf("Generate() error = %v, want %v", err, want)
	}
}
