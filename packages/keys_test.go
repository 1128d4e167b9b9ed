package packages

import (
	"strings"
	"testing"
)

func TestValidName(t *testing.T) {
	var table = []struct {
		name string
		ok   bool
	}{
		{"express", true},
		{"left-pad", true},
		{"lodash.merge", true},
		{"@babel/core", true},
		{"@types/node", true},
		{"elephant-sample", true},
		{"", false},
		{"Express", false},
		{".hidden", false},
		{"_private", false},
		{"has space", false},
		{"a/b", false},
		{"@scope/", false},
		{"@/name", false},
		{"name/-/x.tgz", false},
		{strings.Repeat("a", MaxNameLength), true},
		{strings.Repeat("a", MaxNameLength+1), false},
	}
	for _, tab := range table {
		err := ValidName(tab.name)
		if (err == nil) != tab.ok {
			t.Errorf("%q: received %v, expected ok=%v", tab.name, err, tab.ok)
		}
	}
}

func TestKeys(t *testing.T) {
	var table = []struct {
		name, file, tarball, metadata string
	}{
		{"express", "express-4.0.0.tgz", "express%2F-%2Fexpress-4.0.0.tgz", "express"},
		{"@babel/core", "core-7.0.0.tgz", "@babel%2Fcore%2F-%2Fcore-7.0.0.tgz", "@babel%2Fcore"},
	}
	for _, tab := range table {
		if k := TarballKey(tab.name, tab.file); k != tab.tarball {
			t.Errorf("TarballKey: received %s, expected %s", k, tab.tarball)
		}
		if k := MetadataKey(tab.name); k != tab.metadata {
			t.Errorf("MetadataKey: received %s, expected %s", k, tab.metadata)
		}
		if strings.Contains(TarballKey(tab.name, tab.file), "/") {
			t.Errorf("key for %s contains a slash", tab.name)
		}
	}
	if TarballKey("express", "x.tgz") == MetadataKey("express") {
		t.Errorf("tarball key equals metadata key")
	}
}

func TestTarballFilename(t *testing.T) {
	var table = []struct {
		url, file string
		ok        bool
	}{
		{"http://localhost:5000/elephant-sample/-/elephant-sample-1.0.0.tgz", "elephant-sample-1.0.0.tgz", true},
		{"https://r.example.org/@babel/core/-/core-7.0.0.tgz", "core-7.0.0.tgz", true},
		{"https://r.example.org/@babel%2fcore/-/core-7.0.0.tgz", "core-7.0.0.tgz", true},
		{"core-7.0.0.tgz", "core-7.0.0.tgz", true},
		{"", "", false},
		{"http://host/", "", false},
		{"http://a b/%zz", "", false},
	}
	for _, tab := range table {
		f, err := TarballFilename(tab.url)
		if (err == nil) != tab.ok || f != tab.file {
			t.Errorf("%q: received (%q, %v), expected %q", tab.url, f, err, tab.file)
		}
	}
}

func TestDefaultFilename(t *testing.T) {
	if f := DefaultFilename("@babel/core", "7.0.0"); f != "core-7.0.0.tgz" {
		t.Errorf("Received %s", f)
	}
	if f := DefaultFilename("express", "4.0.0"); f != "express-4.0.0.tgz" {
		t.Errorf("Received %s", f)
	}
	u := TarballURL("http://localhost:5000/", "@babel/core", "core-7.0.0.tgz")
	if u != "http://localhost:5000/@babel/core/-/core-7.0.0.tgz" {
		t.Errorf("Received %s", u)
	}
}
