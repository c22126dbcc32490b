package sync

import (
	"strings"

	"github.com/xtxerr/adsync/internal/attr"
	"github.com/xtxerr/adsync/internal/directory"
	"github.com/xtxerr/adsync/internal/entity"
)

// =============================================================================
// Attribute Diff
// =============================================================================

// Diff returns the changes that make obj carry the resolved attributes of
// ent. Only attributes in set are compared, and only those ent resolved: an
// attribute gated by a spread the entity lacks is left alone remotely.
//
// Comparison rules:
//   - a missing value and an empty value are equal
//   - the identifier attribute is compared ignoring case
//   - unordered multivalued attributes produce add and remove changes
//   - ordered multivalued attributes are replaced whole on any difference
//   - scalar attributes are replaced; an empty replace clears the value
//
// The result is in configuration order, so equal input gives equal output.
func Diff(ent *entity.Entity, obj *directory.Object, set attr.Set, identifier string) []directory.Change {
	var changes []directory.Change

	for _, name := range set.Names() {
		local, resolved := ent.Attributes[name]
		if !resolved {
			continue
		}
		a, _ := set.Lookup(name)
		fold := a.FoldCase || strings.EqualFold(name, identifier)
		want := entity.AsStrings(local)
		have, _ := obj.Get(name)

		if a.Multivalued && !a.Ordered {
			changes = append(changes, diffSet(name, want, have, fold)...)
		} else if !equalList(want, have, fold) {
			changes = append(changes, directory.Replace(name, want...))
		}
	}
	return changes
}

// diffSet computes the symmetric difference of an unordered attribute.
func diffSet(name string, want, have []string, fold bool) []directory.Change {
	if len(want) == 0 {
		if len(have) == 0 {
			return nil
		}
		return []directory.Change{directory.Replace(name)}
	}

	key := func(v string) string {
		if fold {
			return strings.ToLower(v)
		}
		return v
	}

	wantSet := make(map[string]bool, len(want))
	for _, v := range want {
		wantSet[key(v)] = true
	}
	haveSet := make(map[string]bool, len(have))
	for _, v := range have {
		haveSet[key(v)] = true
	}

	var add, remove []string
	for _, v := range want {
		k := key(v)
		if !haveSet[k] {
			add = append(add, v)
			haveSet[k] = true
		}
	}
	for _, v := range have {
		k := key(v)
		if !wantSet[k] {
			remove = append(remove, v)
			wantSet[k] = true
		}
	}

	var changes []directory.Change
	if len(add) > 0 {
		changes = append(changes, directory.Change{Attr: name, Op: directory.OpAdd, Values: add})
	}
	if len(remove) > 0 {
		changes = append(changes, directory.Change{Attr: name, Op: directory.OpRemove, Values: remove})
	}
	return changes
}

func equalList(a, b []string, fold bool) bool {
	a, b = nonEmpty(a), nonEmpty(b)
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if fold {
			if !strings.EqualFold(a[i], b[i]) {
				return false
			}
		} else if a[i] != b[i] {
			return false
		}
	}
	return true
}

func nonEmpty(v []string) []string {
	out := v[:0:0]
	for _, s := range v {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// touches reports whether changes modify any of attrs.
func touches(changes []directory.Change, attrs []string) bool {
	for _, c := range changes {
		for _, a := range attrs {
			if strings.EqualFold(c.Attr, a) {
				return true
			}
		}
	}
	return false
}
