package memory

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/pelusa-v/pelusa-sync/internal/backend"
)

// ParseSeed reads a profile written as id:username or id:username:admin.
func ParseSeed(s string) (backend.Profile, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
		return backend.Profile{}, errors.Errorf("memory: bad seed profile %q", s)
	}
	p := backend.Profile{ID: parts[0], Username: parts[1]}
	if len(parts) == 3 {
		if parts[2] != "admin" {
			return backend.Profile{}, errors.Errorf("memory: bad seed flag %q", parts[2])
		}
		p.IsAdmin = true
	}
	return p, nil
}

// Seed provisions every profile in entries.
func (b *Backend) Seed(entries []string) error {
	for _, s := range entries {
		p, err := ParseSeed(s)
		if err != nil {
			return err
		}
		b.PutProfile(p)
	}
	return nil
}
