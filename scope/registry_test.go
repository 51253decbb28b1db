package scope

import (
	"errors"
	"sync"
	"testing"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry(
		Static{Name: "mail.read", Desc: "Read your mail"},
		Static{Name: "mail.send", Desc: "Send mail as you"},
	)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	return r
}

func TestNewRegistry_Rejects(t *testing.T) {
	tests := []struct {
		name      string
		providers []Provider
	}{
		{"duplicate", []Provider{Static{Name: "a"}, Static{Name: "a"}}},
		{"empty token", []Provider{Static{Name: ""}}},
		{"malformed token", []Provider{Static{Name: "a b"}}},
		{"nil provider", []Provider{nil}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewRegistry(tt.providers...); err == nil {
				t.Error("NewRegistry() expected error")
			}
		})
	}
}

func TestRegistry_Lookup(t *testing.T) {
	r := testRegistry(t)

	p, ok := r.Lookup("mail.read")
	if !ok {
		t.Fatal("Lookup(mail.read) not found")
	}
	if p.Description() != "Read your mail" {
		t.Errorf("Description() = %q", p.Description())
	}

	if _, ok := r.Lookup("calendar"); ok {
		t.Error("Lookup(calendar) should not be found")
	}

	var nilRegistry *Registry
	if _, ok := nilRegistry.Lookup("mail.read"); ok {
		t.Error("nil registry should find nothing")
	}
}

func TestRegistry_Validate(t *testing.T) {
	r := testRegistry(t)

	if err := r.Validate(MustParse("mail.read", "mail.send")); err != nil {
		t.Errorf("Validate() error = %v", err)
	}

	err := r.Validate(MustParse("mail.read", "calendar"))
	if !errors.Is(err, ErrUnknownScope) {
		t.Fatalf("Validate() error = %v, want ErrUnknownScope", err)
	}
}

func TestRegistry_Tokens(t *testing.T) {
	r := testRegistry(t)
	got := r.Tokens()
	if len(got) != 2 || got[0] != "mail.read" || got[1] != "mail.send" {
		t.Errorf("Tokens() = %v", got)
	}
}

func TestRegistry_ConcurrentLookup(t *testing.T) {
	r := testRegistry(t)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := r.Lookup("mail.send"); !ok {
				t.Error("concurrent Lookup failed")
			}
		}()
	}
	wg.Wait()
}
