package profile

import "testing"

func TestValidateName(t *testing.T) {
	valid := []string{"main", "work-2", "a", "casa_vigia"}
	for _, name := range valid {
		if err := ValidateName(name); err != nil {
			t.Errorf("ValidateName(%q) = %v, want nil", name, err)
		}
	}

	invalid := []string{"", "Main", "has space", "../escape", "a/b", "way-too-long-0123456789012345678901234567890123456789012345678901234567890"}
	for _, name := range invalid {
		if err := ValidateName(name); err == nil {
			t.Errorf("ValidateName(%q) = nil, want error", name)
		}
	}
}

func TestResolveFlagWins(t *testing.T) {
	if got := Resolve("work"); got != "work" {
		t.Errorf("Resolve(work) = %q, want work", got)
	}
}
