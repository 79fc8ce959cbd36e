package bus

import (
	"errors"
	"sort"
	"strings"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/samber/lo"
)

var (
	ErrNameExists   = errors.New("name already advertised")
	ErrNameNotFound = errors.New("name not advertised")
	ErrNotOwner     = errors.New("name owned by another peer")
)

// Advertisement is a well-known name published by a peer.
type Advertisement struct {
	Name      string    `json:"name"`
	Interface string    `json:"interface"`
	Path      string    `json:"path"`
	Owner     string    `json:"owner"`
	Since     time.Time `json:"since"`
}

// NameTable holds the advertised names of the bus.
type NameTable struct {
	names cmap.ConcurrentMap[string, Advertisement]
}

// NewNameTable creates an empty name table.
func NewNameTable() *NameTable {
	return &NameTable{names: cmap.New[Advertisement]()}
}

// Advertise publishes ad unless the name is already taken.
func (t *NameTable) Advertise(ad Advertisement) error {
	if ad.Since.IsZero() {
		ad.Since = time.Now().UTC()
	}
	if !t.names.SetIfAbsent(ad.Name, ad) {
		return ErrNameExists
	}
	return nil
}

// Cancel withdraws a name owned by owner.
func (t *NameTable) Cancel(name, owner string) (Advertisement, error) {
	var (
		removed Advertisement
		err     error
	)
	t.names.RemoveCb(name, func(_ string, ad Advertisement, exists bool) bool {
		switch {
		case !exists:
			err = ErrNameNotFound
			return false
		case ad.Owner != owner:
			err = ErrNotOwner
			return false
		}
		removed = ad
		return true
	})
	return removed, err
}

// Remove withdraws a name regardless of owner.
func (t *NameTable) Remove(name string) (Advertisement, bool) {
	return t.names.Pop(name)
}

// Lookup returns the advertisement for name.
func (t *NameTable) Lookup(name string) (Advertisement, bool) {
	return t.names.Get(name)
}

// Match returns the advertisements whose name starts with prefix, ordered by name.
func (t *NameTable) Match(prefix string) []Advertisement {
	return sorted(lo.Filter(lo.Values(t.names.Items()), func(ad Advertisement, _ int) bool {
		return strings.HasPrefix(ad.Name, prefix)
	}))
}

// List returns every advertisement ordered by name.
func (t *NameTable) List() []Advertisement {
	return sorted(lo.Values(t.names.Items()))
}

// RemoveOwner withdraws every name owned by owner and returns them.
func (t *NameTable) RemoveOwner(owner string) []Advertisement {
	var removed []Advertisement
	for _, ad := range t.List() {
		if ad.Owner != owner {
			continue
		}
		if _, err := t.Cancel(ad.Name, owner); err == nil {
			removed = append(removed, ad)
		}
	}
	return removed
}

// Count returns the number of advertised names.
func (t *NameTable) Count() int {
	return t.names.Count()
}

func sorted(ads []Advertisement) []Advertisement {
	sort.Slice(ads, func(i, j int) bool { return ads[i].Name < ads[j].Name })
	return ads
}
