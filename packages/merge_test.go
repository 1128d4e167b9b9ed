package packages

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func version(v, shasum string) *VersionRecord {
	return &VersionRecord{Name: "p", Version: v, Dist: DistInfo{Shasum: shasum, Tarball: "http://r/p/-/p-" + v + ".tgz"}}
}

func TestMerge(t *testing.T) {
	t0 := time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)
	t1 := t0.Add(time.Hour)

	first := &Metadata{
		Name:     "p",
		DistTags: map[string]string{"latest": "1.0.0"},
		Versions: map[string]*VersionRecord{"1.0.0": version("1.0.0", "aa")},
		Other:    map[string]json.RawMessage{"readme": json.RawMessage(`"one"`)},
	}
	m1 := merge(nil, first, t0)
	want1 := map[string]string{
		"created":  "2020-01-02T03:04:05.000Z",
		"modified": "2020-01-02T03:04:05.000Z",
		"1.0.0":    "2020-01-02T03:04:05.000Z",
	}
	if diff := cmp.Diff(want1, m1.Time); diff != "" {
		t.Errorf("time (-want +got):\n%s", diff)
	}

	second := &Metadata{
		Name:     "p",
		DistTags: map[string]string{"beta": "2.0.0"},
		Versions: map[string]*VersionRecord{"2.0.0": version("2.0.0", "bb")},
		Other:    map[string]json.RawMessage{"readme": json.RawMessage(`"two"`)},
	}
	m2 := merge(m1, second, t1)
	if len(m2.Versions) != 2 || m2.Versions["1.0.0"] == nil || m2.Versions["2.0.0"] == nil {
		t.Errorf("Received versions %v", m2.Versions)
	}
	wantTags := map[string]string{"latest": "1.0.0", "beta": "2.0.0"}
	if diff := cmp.Diff(wantTags, m2.DistTags); diff != "" {
		t.Errorf("dist-tags (-want +got):\n%s", diff)
	}
	if string(m2.Other["readme"]) != `"two"` {
		t.Errorf("Received readme %s", m2.Other["readme"])
	}
	if m2.Time["created"] != want1["created"] || m2.Time["2.0.0"] != "2020-01-02T04:04:05.000Z" {
		t.Errorf("Received time %v", m2.Time)
	}
	// the inputs are untouched
	if len(m1.Versions) != 1 || len(m1.DistTags) != 1 {
		t.Errorf("merge changed its input")
	}
}

func TestDefaultLatest(t *testing.T) {
	var table = []struct {
		versions []string
		latest   string
	}{
		{[]string{"1.0.0", "1.10.0", "1.9.0"}, "1.10.0"},
		{[]string{"1.0.0", "2.0.0-beta.1"}, "1.0.0"},
		{[]string{"2.0.0-alpha", "2.0.0-beta"}, "2.0.0-beta"},
	}
	for _, tab := range table {
		doc := &Metadata{Name: "p", Versions: map[string]*VersionRecord{}}
		for _, v := range tab.versions {
			doc.Versions[v] = version(v, "aa")
		}
		m := merge(nil, doc, time.Now())
		if m.DistTags["latest"] != tab.latest {
			t.Errorf("%v: received latest %q, expected %q", tab.versions, m.DistTags["latest"], tab.latest)
		}
	}
}

func TestCheckTags(t *testing.T) {
	m := &Metadata{
		DistTags: map[string]string{"latest": "1.0.0"},
		Versions: map[string]*VersionRecord{"1.0.0": version("1.0.0", "aa")},
	}
	if err := checkTags(m); err != nil {
		t.Errorf("Received %v", err)
	}
	m.DistTags["next"] = "3.0.0"
	if err := checkTags(m); Kind(err) != ErrBadRequest {
		t.Errorf("Received %v, expected ErrBadRequest", err)
	}
}

func TestSortedVersions(t *testing.T) {
	m := &Metadata{Versions: map[string]*VersionRecord{}}
	for _, v := range []string{"1.10.0", "1.2.0", "1.2.0-rc.1", "0.0.1"} {
		m.Versions[v] = nil
	}
	want := []string{"0.0.1", "1.2.0-rc.1", "1.2.0", "1.10.0"}
	if diff := cmp.Diff(want, SortedVersions(m)); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
}
