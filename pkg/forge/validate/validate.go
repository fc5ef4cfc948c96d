// Package validate implements the Validator: given a candidate CacheEntry,
// it replays the entry's FileFacts in recorded order against the file
// system and recursively validates (or triggers re-execution of) every
// child operation the entry references. Order matters: the first diverging
// fact short-circuits further replay, since an earlier probe's answer may
// control whether a later probe happens at all.
package validate

import (
	"github.com/forgebuild/forge/pkg/forge/cache"
	"github.com/forgebuild/forge/pkg/forge/fsprobe"
	"github.com/forgebuild/forge/pkg/forge/opid"
)

// ChildResolver validates or re-executes the child operation identified by
// id, returning whether it is (now) valid. It is supplied by the Engine so
// that the Validator can recurse into the build graph without this package
// importing the engine package (which itself depends on validate).
type ChildResolver func(id opid.ID) (bool, error)

// Entry reports whether candidate remains valid: every recorded FileFact
// still holds when re-probed, and every child operation it references is
// itself still valid (recursively, via resolveChild).
func Entry(candidate cache.Entry, probe fsprobe.Probe, resolveChild ChildResolver) (bool, error) {
	for _, fact := range candidate.Facts {
		current, err := reprobe(probe, fact)
		if err != nil {
			return false, err
		}
		if !fact.Equal(current) {
			return false, nil
		}
	}

	for _, child := range candidate.Children {
		valid, err := resolveChild(child.ID)
		if err != nil {
			return false, err
		}
		if !valid {
			return false, nil
		}
	}

	return true, nil
}

// reprobe re-derives the current FileFact of the same kind and path as
// fact, so it can be compared against the recorded observation. A
// Fingerprint observation on a now-missing file surfaces as a FactMissing
// fact, which correctly fails Equal against the recorded FactFile —
// missing files are never treated as a tautological match.
func reprobe(probe fsprobe.Probe, fact fsprobe.FileFact) (fsprobe.FileFact, error) {
	switch fact.Kind {
	case fsprobe.FactListing:
		current, err := probe.ListDir(fact.Path)
		if err != nil {
			return missing(fact.Path), nil
		}
		return current, nil
	case fsprobe.FactSymlink:
		current, err := probe.ReadSymlink(fact.Path)
		if err != nil {
			return missing(fact.Path), nil
		}
		return current, nil
	default:
		current, err := probe.Stat(fact.Path)
		if err != nil {
			return fsprobe.FileFact{}, err
		}
		return current, nil
	}
}

func missing(path string) fsprobe.FileFact {
	return fsprobe.FileFact{Kind: fsprobe.FactMissing, Path: path}
}
