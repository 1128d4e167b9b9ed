package packages

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/pkg/errors"
)

// timeFormat is how npm writes the entries of the time field.
const timeFormat = "2006-01-02T15:04:05.000Z07:00"

// merge folds incoming into existing and returns the result; neither
// argument is changed. Versions, dist-tags and the other top-level fields
// are overwritten key by key, and anything incoming does not mention is kept.
// existing may be nil for a first publish.
func merge(existing, incoming *Metadata, now time.Time) *Metadata {
	result := existing.Clone()
	if result == nil {
		result = &Metadata{Name: incoming.Name}
	}
	if result.Versions == nil {
		result.Versions = make(map[string]*VersionRecord)
	}
	if result.DistTags == nil {
		result.DistTags = make(map[string]string)
	}
	if result.Time == nil {
		result.Time = make(map[string]string)
	}
	if len(incoming.Other) > 0 && result.Other == nil {
		result.Other = make(map[string]json.RawMessage, len(incoming.Other))
	}
	for k, v := range incoming.Other {
		result.Other[k] = v
	}

	stamp := now.UTC().Format(timeFormat)
	for ver, rec := range incoming.Versions {
		if _, ok := result.Versions[ver]; !ok {
			result.Time[ver] = stamp
		}
		result.Versions[ver] = rec.Clone()
	}
	for tag, ver := range incoming.DistTags {
		result.DistTags[tag] = ver
	}
	if _, ok := result.DistTags["latest"]; !ok {
		if v := highestVersion(result.Versions); v != "" {
			result.DistTags["latest"] = v
		}
	}
	if _, ok := result.Time["created"]; !ok {
		result.Time["created"] = stamp
	}
	result.Time["modified"] = stamp
	return result
}

// highestVersion returns the greatest version which is not a prerelease. If
// there are only prereleases it returns the greatest of those.
func highestVersion(versions map[string]*VersionRecord) string {
	var best, bestPre *semver.Version
	var bestS, bestPreS string
	for s := range versions {
		v, err := semver.StrictNewVersion(s)
		if err != nil {
			continue
		}
		if v.Prerelease() == "" {
			if best == nil || v.GreaterThan(best) {
				best, bestS = v, s
			}
		} else if bestPre == nil || v.GreaterThan(bestPre) {
			bestPre, bestPreS = v, s
		}
	}
	if best != nil {
		return bestS
	}
	return bestPreS
}

// checkTags makes sure every dist-tag names a version the document has.
func checkTags(m *Metadata) error {
	for tag, ver := range m.DistTags {
		if _, ok := m.Versions[ver]; !ok {
			return errors.Wrapf(ErrBadRequest, "dist-tag %s refers to unknown version %q", tag, ver)
		}
	}
	return nil
}

// SortedVersions returns the versions of m in semver order. Keys which do
// not parse sort first, alphabetically.
func SortedVersions(m *Metadata) []string {
	type pair struct {
		s string
		v *semver.Version
	}
	var list []pair
	for s := range m.Versions {
		v, _ := semver.StrictNewVersion(s)
		list = append(list, pair{s, v})
	}
	sort.Slice(list, func(i, j int) bool {
		a, b := list[i].v, list[j].v
		switch {
		case a == nil && b == nil:
			return list[i].s < list[j].s
		case a == nil:
			return true
		case b == nil:
			return false
		}
		return a.LessThan(b)
	})
	result := make([]string, len(list))
	for i := range list {
		result[i] = list[i].s
	}
	return result
}
