// Package discovery decides which cluster member bootstraps a new cluster.
//
// Every node runs the same pure function over the same candidate set and
// arrives at the same answer, so no pre-existing leader or external lock
// service is needed for a cold start.
package discovery

import (
	"sort"

	"github.com/rodrigogalhardo/indexify/pkg/errors"
)

// Decision is the outcome of seed resolution for one node.
type Decision struct {
	// IsSeed is true iff the local node is the one member allowed to
	// initialize a brand-new cluster.
	IsSeed bool

	// SeedAddr is the raft address of the chosen seed.
	SeedAddr string
}

// Resolve picks the seed member from candidates and reports whether self is
// it. The seed is the lexicographic minimum of the candidate set; ties are
// impossible under a total order and randomness is never used, since two
// nodes both self-initializing would split the cluster.
func Resolve(candidates []string, self string) (Decision, error) {
	if len(candidates) == 0 {
		return Decision{}, errors.ErrNoCandidates
	}

	sorted := append([]string(nil), candidates...)
	sort.Strings(sorted)
	seed := sorted[0]

	return Decision{
		IsSeed:   seed == self,
		SeedAddr: seed,
	}, nil
}
