package scope

import (
	"errors"
	"strings"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		tokens  []string
		want    string
		wantErr bool
	}{
		{name: "single", tokens: []string{"mail.read"}, want: "mail.read"},
		{name: "sorted and deduplicated", tokens: []string{"b", "a", "b"}, want: "a b"},
		{name: "empty list", tokens: nil, want: ""},
		{name: "empty token", tokens: []string{"a", ""}, wantErr: true},
		{name: "space inside token", tokens: []string{"a b"}, wantErr: true},
		{name: "double quote", tokens: []string{`a"b`}, wantErr: true},
		{name: "backslash", tokens: []string{`a\b`}, wantErr: true},
		{name: "non ascii", tokens: []string{"mäil"}, wantErr: true},
		{name: "too long", tokens: []string{strings.Repeat("x", MaxTokenLength+1)}, wantErr: true},
		{name: "punctuation allowed", tokens: []string{"repo:read", "https://api/x#y"}, want: "https://api/x#y repo:read"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.tokens...)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidScopeToken) {
					t.Fatalf("Parse() error = %v, want ErrInvalidScopeToken", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			if got.String() != tt.want {
				t.Errorf("Parse() = %q, want %q", got.String(), tt.want)
			}
		})
	}
}

func TestParseString(t *testing.T) {
	s, err := ParseString("  mail.read   mail.send mail.read ")
	if err != nil {
		t.Fatalf("ParseString() error = %v", err)
	}
	if s.Len() != 2 {
		t.Errorf("Len() = %d, want 2", s.Len())
	}
	if !s.Contains("mail.send") {
		t.Error("expected scope to contain mail.send")
	}
}

func TestScope_UnionIsPure(t *testing.T) {
	ab := MustParse("a", "b")
	bc := MustParse("b", "c")

	union := ab.Union(bc)
	if !union.Equal(MustParse("a", "b", "c")) {
		t.Errorf("Union() = %q, want %q", union, "a b c")
	}
	if ab.String() != "a b" || bc.String() != "b c" {
		t.Errorf("Union() mutated its operands: %q, %q", ab, bc)
	}
}

func TestScope_IsSubsetOf(t *testing.T) {
	tests := []struct {
		name  string
		s     Scope
		other Scope
		want  bool
	}{
		{"equal", MustParse("a", "b"), MustParse("b", "a"), true},
		{"strict subset", MustParse("a"), MustParse("a", "b"), true},
		{"superset", MustParse("a", "b"), MustParse("a"), false},
		{"disjoint", MustParse("x"), MustParse("a"), false},
		{"empty", Scope{}, MustParse("a"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.s.IsSubsetOf(tt.other); got != tt.want {
				t.Errorf("IsSubsetOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestScope_TokensReturnsCopy(t *testing.T) {
	s := MustParse("a", "b")
	tokens := s.Tokens()
	tokens[0] = "mutated"
	if s.Contains("mutated") || !s.Contains("a") {
		t.Error("Tokens() exposed internal state")
	}
}

func TestScope_ZeroValue(t *testing.T) {
	var s Scope
	if !s.IsEmpty() {
		t.Error("zero Scope should be empty")
	}
	if s.Contains("a") {
		t.Error("zero Scope should contain nothing")
	}
	if s.String() != "" {
		t.Errorf("String() = %q, want empty", s.String())
	}
}

func TestMustParsePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("MustParse() did not panic on invalid token")
		}
	}()
	MustParse("bad token")
}
