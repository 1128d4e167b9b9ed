package packages

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const sampleDocument = `{
	"_id": "left-pad",
	"name": "left-pad",
	"description": "String left pad",
	"readme": "# left-pad",
	"maintainers": [{"name": "stevemao"}],
	"dist-tags": {"latest": "1.3.0"},
	"versions": {
		"1.3.0": {
			"name": "left-pad",
			"version": "1.3.0",
			"main": "index.js",
			"dependencies": {},
			"dist": {
				"shasum": "5b8a3a7765dfe001261dde915589e782f8c94d1e",
				"tarball": "https://registry.example.org/left-pad/-/left-pad-1.3.0.tgz",
				"fileCount": 9
			}
		}
	},
	"_attachments": {
		"left-pad-1.3.0.tgz": {
			"content_type": "application/octet-stream",
			"data": "aGVsbG8=",
			"length": 5
		}
	}
}`

func TestOpaqueFieldsPreserved(t *testing.T) {
	m := new(Metadata)
	err := json.Unmarshal([]byte(sampleDocument), m)
	if err != nil {
		t.Fatal(err)
	}
	if m.Name != "left-pad" || m.DistTags["latest"] != "1.3.0" {
		t.Errorf("Received %+v", m)
	}
	rec := m.Versions["1.3.0"]
	if rec == nil || rec.Dist.Shasum != "5b8a3a7765dfe001261dde915589e782f8c94d1e" {
		t.Fatalf("Received version record %+v", rec)
	}

	out, err := json.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	var got, want map[string]interface{}
	json.Unmarshal(out, &got)
	json.Unmarshal([]byte(sampleDocument), &want)
	// attachments are never part of a stored document
	delete(want, "_attachments")
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("round trip changed the document (-want +got):\n%s", diff)
	}
}

func TestDecodePublish(t *testing.T) {
	doc, attachments, err := DecodePublish([]byte(sampleDocument))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := doc.Other["_attachments"]; ok {
		t.Errorf("_attachments kept in the document")
	}
	a, ok := attachments["left-pad-1.3.0.tgz"]
	if !ok {
		t.Fatalf("Received attachments %v", attachments)
	}
	want := Attachment{ContentType: "application/octet-stream", Data: "aGVsbG8=", Length: 5}
	if a != want {
		t.Errorf("Received %+v, expected %+v", a, want)
	}

	var table = []string{
		`not json`,
		`{"versions": "1.0.0"}`,
		`{"_attachments": []}`,
		`{"versions": {"1.0.0": {"dist": 7}}}`,
	}
	for _, body := range table {
		_, _, err := DecodePublish([]byte(body))
		if Kind(err) != ErrBadRequest {
			t.Errorf("%s: received %v, expected ErrBadRequest", body, err)
		}
	}
}

func TestClone(t *testing.T) {
	m := new(Metadata)
	json.Unmarshal([]byte(sampleDocument), m)
	c := m.Clone()
	c.DistTags["latest"] = "9.9.9"
	c.Versions["1.3.0"].Dist.Tarball = "elsewhere"
	c.Versions["1.3.0"].Dist.Other["fileCount"] = json.RawMessage("1")
	if m.DistTags["latest"] != "1.3.0" {
		t.Errorf("dist-tags shared with clone")
	}
	if m.Versions["1.3.0"].Dist.Tarball == "elsewhere" {
		t.Errorf("version record shared with clone")
	}
	if string(m.Versions["1.3.0"].Dist.Other["fileCount"]) != "9" {
		t.Errorf("dist fields shared with clone")
	}
	var nilDoc *Metadata
	if nilDoc.Clone() != nil {
		t.Errorf("Clone of nil is not nil")
	}
}

func TestEmptyDocumentMarshal(t *testing.T) {
	out, err := json.Marshal(&Metadata{Name: "x"})
	if err != nil {
		t.Fatal(err)
	}
	const want = `{"dist-tags":{},"name":"x","versions":{}}`
	if string(out) != want {
		t.Errorf("Received %s, expected %s", out, want)
	}
}

func TestEncodePublish(t *testing.T) {
	doc, attachments, err := DecodePublish([]byte(sampleDocument))
	if err != nil {
		t.Fatal(err)
	}
	body, err := EncodePublish(doc, attachments)
	if err != nil {
		t.Fatal(err)
	}
	doc2, attachments2, err := DecodePublish(body)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(attachments, attachments2); diff != "" {
		t.Errorf("attachments differ (-want +got):\n%s", diff)
	}
	for v, rec := range doc.Versions {
		if doc2.Versions[v] == nil || doc2.Versions[v].Dist.Shasum != rec.Dist.Shasum {
			t.Errorf("version %s: received %#v", v, doc2.Versions[v])
		}
	}
	if doc2.Name != doc.Name || doc2.DistTags["latest"] != doc.DistTags["latest"] {
		t.Errorf("Received %s %v", doc2.Name, doc2.DistTags)
	}
}
