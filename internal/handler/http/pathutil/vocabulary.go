package pathutil

// OtherLabel is the metrics label of every path outside a Vocabulary.
const OtherLabel = "other"

// Vocabulary maps request paths onto a fixed set of metrics labels.
//
// A normalized path keeps every non-identifier segment, so on a catch-all
// proxy route it is caller controlled. Only routes and patterns known up
// front become labels; everything else is OtherLabel.
type Vocabulary struct {
	routes map[string]struct{}
	known  func(pattern string) bool
}

// NewVocabulary labels the given routes and any normalized path for which
// known reports true. known may be nil.
func NewVocabulary(known func(pattern string) bool, routes ...string) *Vocabulary {
	v := &Vocabulary{routes: make(map[string]struct{}, len(routes)), known: known}
	for _, r := range routes {
		v.routes[NormalizePath(r)] = struct{}{}
	}
	return v
}

// Label returns the normalized path when it is part of the vocabulary and
// OtherLabel otherwise.
func (v *Vocabulary) Label(path string) string {
	p := NormalizePath(path)
	if _, ok := v.routes[p]; ok {
		return p
	}
	if v.known != nil && v.known(p) {
		return p
	}
	return OtherLabel
}
