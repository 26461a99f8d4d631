package identity

import (
	"fmt"
	"sync/atomic"
)

// GuestNamer hands out sequential guest display names.
type GuestNamer struct {
	n atomic.Uint64
}

// Next returns the next guest name, starting at Guest1.
func (g *GuestNamer) Next() string {
	return fmt.Sprintf("Guest%d", g.n.Add(1))
}
