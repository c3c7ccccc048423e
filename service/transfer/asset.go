package transfer

import "sync"

// Asset is a non-fungible token held by the connected owner, as reported by
// the asset source. MintAddress is the identity used everywhere else.
type Asset struct {
	Name        string `json:"name"`
	Address     string `json:"address"`
	Description string `json:"description"`
	Image       string `json:"image"`
	MintAddress string `json:"mintAddress"`
}

// SelectionSet is the ordered list of assets chosen for one batch.
// Insertion order is preserved and becomes the instruction order of the
// assembled transaction.
type SelectionSet struct {
	mu     sync.Mutex
	assets []Asset
	mints  map[string]struct{}
}

// NewSelectionSet returns a selection pre-populated with assets, skipping
// duplicate mints.
func NewSelectionSet(assets ...Asset) *SelectionSet {
	s := &SelectionSet{}
	for _, a := range assets {
		s.Add(a)
	}
	return s
}

// Add appends an asset to the selection. It returns false when an asset with
// the same mint is already selected.
func (s *SelectionSet) Add(a Asset) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mints == nil {
		s.mints = make(map[string]struct{})
	}
	if _, ok := s.mints[a.MintAddress]; ok {
		return false
	}
	s.mints[a.MintAddress] = struct{}{}
	s.assets = append(s.assets, a)
	return true
}

// Len returns the number of selected assets.
func (s *SelectionSet) Len() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.assets)
}

// Assets returns a copy of the selected assets in insertion order.
func (s *SelectionSet) Assets() []Asset {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Asset, len(s.assets))
	copy(out, s.assets)
	return out
}

// Reset clears the selection.
func (s *SelectionSet) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assets = nil
	s.mints = nil
}
