package finality

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/polytope-labs/hyperbridge-sub013/relayer/chains/substrate"
	"github.com/polytope-labs/hyperbridge-sub013/relayer/ismp"
)

// AncestryChain answers ancestry queries over a given set of relay chain
// headers, indexed by hash.
type AncestryChain struct {
	ancestry map[common.Hash]*substrate.Header
	used     map[common.Hash]struct{}
}

// NewAncestryChain indexes headers by their hash.
func NewAncestryChain(headers []substrate.Header) (*AncestryChain, error) {
	ancestry := make(map[common.Hash]*substrate.Header, len(headers))
	for i := range headers {
		hash, err := headers[i].Hash()
		if err != nil {
			return nil, err
		}
		ancestry[hash] = &headers[i]
	}
	return &AncestryChain{ancestry: ancestry, used: make(map[common.Hash]struct{})}, nil
}

// Header fetches a header by hash. Returns nil if it isn't in the chain.
func (ac *AncestryChain) Header(hash common.Hash) *substrate.Header {
	return ac.ancestry[hash]
}

// Ancestry returns the route from block back to base, block first and base
// excluded. It fails if block does not descend from base.
func (ac *AncestryChain) Ancestry(base, block common.Hash) ([]common.Hash, error) {
	var route []common.Hash
	current := block
	for current != base {
		header := ac.Header(current)
		if header == nil {
			return nil, fmt.Errorf("%w: %s is not a descendant of %s", ismp.ErrBrokenAncestry, block, base)
		}
		ac.used[current] = struct{}{}
		route = append(route, current)
		current = header.ParentHash
	}
	return route, nil
}

// Unused counts the headers no Ancestry call has walked through.
func (ac *AncestryChain) Unused() int {
	return len(ac.ancestry) - len(ac.used)
}
