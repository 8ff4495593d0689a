package geo

// Index evaluates geofence membership over an ordered, read-only list of
// fences. It is built once per rule snapshot.
type Index struct {
	fences []Fence
}

// NewIndex creates an index over fences. Fences are cloned; callers may
// reuse and modify theirs.
func NewIndex(fences []Fence) *Index {
	return &Index{fences: cloneFences(fences)}
}

// Len returns the number of fences in the index.
func (i *Index) Len() int {
	if i == nil {
		return 0
	}
	return len(i.fences)
}

// Fences returns a copy of the indexed fences in order.
func (i *Index) Fences() []Fence {
	if i == nil {
		return nil
	}
	return cloneFences(i.fences)
}

func cloneFences(fences []Fence) []Fence {
	cp := make([]Fence, len(fences))
	for n, f := range fences {
		cp[n] = f.Clone()
	}
	return cp
}

// AppsBlockedAt returns the union of the block lists of every fence that
// contains p.
func (i *Index) AppsBlockedAt(p Point) map[string]struct{} {
	blocked := make(map[string]struct{})
	if i == nil {
		return blocked
	}
	for _, f := range i.fences {
		if !f.Contains(p) {
			continue
		}
		for app := range f.BlockedApps {
			blocked[app] = struct{}{}
		}
	}
	return blocked
}

// Blocking returns the first fence, in index order, that contains p and
// blocks appID.
func (i *Index) Blocking(p Point, appID string) (Fence, bool) {
	if i == nil {
		return Fence{}, false
	}
	for _, f := range i.fences {
		// Cheap set lookup first; the distance is only computed for fences
		// that could matter for this app.
		if !f.Blocks(appID) {
			continue
		}
		if f.Contains(p) {
			return f, true
		}
	}
	return Fence{}, false
}

// Containing returns the names of every fence that contains p.
func (i *Index) Containing(p Point) []string {
	if i == nil {
		return nil
	}
	var names []string
	for _, f := range i.fences {
		if f.Contains(p) {
			names = append(names, f.Name)
		}
	}
	return names
}
