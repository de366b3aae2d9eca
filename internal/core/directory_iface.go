package core

import (
	"context"

	"github.com/dkeye/Call/internal/domain"
)

// Directory resolves display metadata for a peer. Best effort only.
type Directory interface {
	Resolve(ctx context.Context, peer domain.PeerID) (domain.Profile, error)
}
