package game

import (
	"math/rand"
	"strconv"
	"strings"
	"testing"
)

func TestRandomProfileBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	for i := 0; i < 200; i++ {
		p := RandomProfile(rng)
		if p.InstitutionalTrust < 0 || p.InstitutionalTrust > 10 {
			t.Fatalf("trust = %d, want 0-10", p.InstitutionalTrust)
		}
		parts := strings.Split(p.AgeBand, "-")
		if len(parts) != 2 {
			t.Fatalf("age band = %q", p.AgeBand)
		}
		lo, _ := strconv.Atoi(parts[0])
		hi, _ := strconv.Atoi(parts[1])
		if lo < 18 || hi > 80 || hi-lo != 4 {
			t.Fatalf("age band = %q, want 5-year band within 18-80", p.AgeBand)
		}
		if p.Gender == "" || p.Education == "" {
			t.Fatalf("profile incomplete: %+v", p)
		}
	}
}
