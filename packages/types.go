package packages

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Metadata is the document npm clients fetch for a package. Only the fields
// the registry needs are typed. Everything else in the document is kept in
// Other and written back out unchanged.
type Metadata struct {
	Name     string
	DistTags map[string]string
	Versions map[string]*VersionRecord
	Time     map[string]string
	Other    map[string]json.RawMessage
}

// VersionRecord is the manifest of one published version.
type VersionRecord struct {
	Name    string
	Version string
	Dist    DistInfo
	Other   map[string]json.RawMessage
}

// DistInfo says where the tarball of a version is and what it should hash to.
type DistInfo struct {
	Shasum      string // lowercase hex SHA1 of the tarball
	Tarball     string // URL. The last path segment is the blob file name.
	Integrity   string // optional subresource integrity string
	ContentType string
	Other       map[string]json.RawMessage
}

// Attachment is a tarball embedded in a publish request.
type Attachment struct {
	ContentType string `json:"content_type"`
	Data        string `json:"data"` // base64
	Length      int64  `json:"length,omitempty"`
}

// UnmarshalJSON decodes a metadata document. An _attachments field is
// dropped; use DecodePublish to get at it.
func (m *Metadata) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	return m.fromRaw(raw)
}

func (m *Metadata) fromRaw(raw map[string]json.RawMessage) error {
	*m = Metadata{}
	err := field(raw, "name", &m.Name)
	if err == nil {
		err = field(raw, "dist-tags", &m.DistTags)
	}
	if err == nil {
		err = field(raw, "versions", &m.Versions)
	}
	if err == nil {
		err = field(raw, "time", &m.Time)
	}
	delete(raw, "_attachments")
	m.Other = rest(raw)
	return err
}

// MarshalJSON encodes the document with its opaque fields.
func (m *Metadata) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(m.Other)+4)
	for k, v := range m.Other {
		out[k] = v
	}
	out["name"] = m.Name
	out["dist-tags"] = nonNil(m.DistTags)
	if m.Versions == nil {
		out["versions"] = map[string]*VersionRecord{}
	} else {
		out["versions"] = m.Versions
	}
	if len(m.Time) > 0 {
		out["time"] = m.Time
	}
	return json.Marshal(out)
}

func (v *VersionRecord) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*v = VersionRecord{}
	err := field(raw, "name", &v.Name)
	if err == nil {
		err = field(raw, "version", &v.Version)
	}
	if err == nil {
		err = field(raw, "dist", &v.Dist)
	}
	v.Other = rest(raw)
	return err
}

func (v *VersionRecord) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(v.Other)+3)
	for k, x := range v.Other {
		out[k] = x
	}
	out["name"] = v.Name
	out["version"] = v.Version
	out["dist"] = &v.Dist
	return json.Marshal(out)
}

func (d *DistInfo) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*d = DistInfo{}
	err := field(raw, "shasum", &d.Shasum)
	if err == nil {
		err = field(raw, "tarball", &d.Tarball)
	}
	if err == nil {
		err = field(raw, "integrity", &d.Integrity)
	}
	if err == nil {
		err = field(raw, "contentType", &d.ContentType)
	}
	d.Other = rest(raw)
	return err
}

func (d *DistInfo) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(d.Other)+4)
	for k, x := range d.Other {
		out[k] = x
	}
	out["shasum"] = d.Shasum
	out["tarball"] = d.Tarball
	if d.Integrity != "" {
		out["integrity"] = d.Integrity
	}
	if d.ContentType != "" {
		out["contentType"] = d.ContentType
	}
	return json.Marshal(out)
}

// field decodes raw[key] into v and removes it from raw. A missing key or a
// JSON null leaves v alone.
func field(raw map[string]json.RawMessage, key string, v interface{}) error {
	b, ok := raw[key]
	if !ok {
		return nil
	}
	delete(raw, key)
	if err := json.Unmarshal(b, v); err != nil {
		return errors.Wrapf(err, "field %q", key)
	}
	return nil
}

func rest(raw map[string]json.RawMessage) map[string]json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

func nonNil(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

// Clone returns a deep copy of m. Documents returned by the registry are
// shared between callers, so they must be cloned before being changed.
func (m *Metadata) Clone() *Metadata {
	if m == nil {
		return nil
	}
	c := &Metadata{
		Name:     m.Name,
		DistTags: copyStrings(m.DistTags),
		Time:     copyStrings(m.Time),
		Other:    copyRaw(m.Other),
	}
	if m.Versions != nil {
		c.Versions = make(map[string]*VersionRecord, len(m.Versions))
		for k, v := range m.Versions {
			c.Versions[k] = v.Clone()
		}
	}
	return c
}

// Clone returns a deep copy of v.
func (v *VersionRecord) Clone() *VersionRecord {
	if v == nil {
		return nil
	}
	c := *v
	c.Other = copyRaw(v.Other)
	c.Dist.Other = copyRaw(v.Dist.Other)
	return &c
}

func copyStrings(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	c := make(map[string]string, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

// the raw messages themselves are never modified, so they can be shared
func copyRaw(m map[string]json.RawMessage) map[string]json.RawMessage {
	if m == nil {
		return nil
	}
	c := make(map[string]json.RawMessage, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

// DecodePublish splits the body of a publish request into the package
// document and its attachments.
func DecodePublish(body []byte) (*Metadata, map[string]Attachment, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, nil, errors.Wrapf(ErrBadRequest, "decoding document: %v", err)
	}
	var attachments map[string]Attachment
	if err := field(raw, "_attachments", &attachments); err != nil {
		return nil, nil, errors.Wrap(ErrBadRequest, err.Error())
	}
	doc := new(Metadata)
	if err := doc.fromRaw(raw); err != nil {
		return nil, nil, errors.Wrap(ErrBadRequest, err.Error())
	}
	return doc, attachments, nil
}

// EncodePublish is the inverse of DecodePublish. It makes the body a client
// sends to publish doc.
func EncodePublish(doc *Metadata, attachments map[string]Attachment) ([]byte, error) {
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, err
	}
	raw["_id"], _ = json.Marshal(doc.Name)
	raw["_attachments"], err = json.Marshal(attachments)
	if err != nil {
		return nil, err
	}
	return json.Marshal(raw)
}
