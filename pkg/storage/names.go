package storage

import (
	"fmt"

	"github.com/cuemby/kiln/pkg/kilnerr"
)

// validateName enforces the character-class rule shared by database and
// schema names: any position may hold an ASCII letter or digit; index 0
// may additionally be '_'; any index after 0 may additionally be '.' or
// '-'. Empty names are invalid.
func validateName(name string) error {
	if name == "" {
		return kilnerr.New(kilnerr.KindInvalidName, "name must not be empty")
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			continue
		case c == '_' && i == 0:
			continue
		case (c == '.' || c == '-') && i > 0:
			continue
		default:
			return kilnerr.New(kilnerr.KindInvalidName, fmt.Sprintf("invalid character %q in name %q at index %d", c, name, i))
		}
	}
	return nil
}
