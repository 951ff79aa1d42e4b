package game

import (
	"fmt"
	"math/rand"
)

var (
	profileGenders    = []string{"male", "female"}
	profileEducations = []string{"secondary", "some college", "undergraduate", "master's", "PhD"}
)

// RandomProfile draws a persona for an AI-controlled patient: gender,
// a 5-year age band starting between 18 and 67 (capped at 80),
// education level and an institutional-trust score on 0-10.
func RandomProfile(rng *rand.Rand) Profile {
	intn := rand.Intn
	if rng != nil {
		intn = rng.Intn
	}
	start := 18 + 5*intn(10)
	end := start + 4
	if end > 80 {
		end = 80
	}
	return Profile{
		Gender:             profileGenders[intn(len(profileGenders))],
		AgeBand:            fmt.Sprintf("%d-%d", start, end),
		Education:          profileEducations[intn(len(profileEducations))],
		InstitutionalTrust: intn(11),
	}
}
