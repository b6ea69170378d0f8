package preflight

import (
	"fmt"

	"github.com/hashicorp/go-version"
)

// MeetsMinVersion compares major.minor only: a newer major always passes,
// an equal major needs an equal or newer minor.
func MeetsMinVersion(required, actual string) (bool, error) {
	req, err := version.NewVersion(required)
	if err != nil {
		return false, fmt.Errorf("invalid required version %q: %w", required, err)
	}
	got, err := version.NewVersion(actual)
	if err != nil {
		return false, fmt.Errorf("invalid runtime version %q: %w", actual, err)
	}
	rs, gs := pad(req.Segments()), pad(got.Segments())
	if gs[0] != rs[0] {
		return gs[0] > rs[0], nil
	}
	return gs[1] >= rs[1], nil
}

func pad(s []int) []int {
	for len(s) < 2 {
		s = append(s, 0)
	}
	return s
}
