package regclient

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/url"

	"github.com/antonholmquist/jason"
	"github.com/pkg/errors"

	"github.com/ndlib/npmstore/packages"
	"github.com/ndlib/npmstore/util"
)

const loginPrefix = "org.couchdb.user:"

// Ping checks that the registry is reachable.
func (c *Connection) Ping() error {
	_, err := c.doJasonGet("/-/ping")
	return err
}

// Login exchanges a user name and password for a token. The token is
// remembered in c and also returned.
func (c *Connection) Login(user, password string) (string, error) {
	body, err := json.Marshal(map[string]string{
		"_id":      loginPrefix + user,
		"name":     user,
		"password": password,
		"type":     "user",
	})
	if err != nil {
		return "", err
	}
	path := "/-/user/" + url.PathEscape(loginPrefix+user)
	v, err := c.doJason("PUT", path, bytes.NewReader(body), 201)
	if err != nil {
		return "", err
	}
	token, err := v.GetString("token")
	if err != nil {
		return "", errors.Wrap(ErrUnexpectedResp, "no token in login response")
	}
	c.Token = token
	return token, nil
}

// Logout revokes the token c is using.
func (c *Connection) Logout() error {
	if c.Token == "" {
		return nil
	}
	_, err := c.doJason("DELETE", "/-/user/token/"+url.PathEscape(c.Token), nil, 200)
	if err == nil {
		c.Token = ""
	}
	return err
}

// Whoami returns the user name the registry associates with our token.
func (c *Connection) Whoami() (string, error) {
	v, err := c.doJasonGet("/-/whoami")
	if err != nil {
		return "", err
	}
	return v.GetString("username")
}

// PackageInfo returns the document of package name, undecoded.
func (c *Connection) PackageInfo(name string) (*jason.Object, error) {
	return c.doJasonGet(packagePath(name))
}

// Metadata returns the document of package name.
func (c *Connection) Metadata(name string) (*packages.Metadata, error) {
	resp, err := c.get(packagePath(name))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	doc := new(packages.Metadata)
	err = json.NewDecoder(resp.Body).Decode(doc)
	return doc, err
}

// Download writes the tarball of the given version or dist-tag of
// package name to w. The data is checked against the shasum in the
// document; ErrChecksumMismatch is returned if they differ. The data has
// already been written to w in that case.
func (c *Connection) Download(w io.Writer, name, version string) error {
	doc, err := c.Metadata(name)
	if err != nil {
		return err
	}
	if v, ok := doc.DistTags[version]; ok {
		version = v
	}
	rec := doc.Versions[version]
	if rec == nil {
		return errors.Wrapf(ErrNotFound, "%s@%s", name, version)
	}
	filename, err := packages.TarballFilename(rec.Dist.Tarball)
	if err != nil {
		return err
	}
	goal, err := hex.DecodeString(rec.Dist.Shasum)
	if err != nil {
		return errors.Wrapf(ErrUnexpectedResp, "shasum %q", rec.Dist.Shasum)
	}

	resp, err := c.get(tarballPath(name, filename))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	hw := util.NewHashWriter(w)
	_, err = io.Copy(hw, resp.Body)
	if err != nil {
		return err
	}
	if computed, ok := hw.CheckSHA1(goal); !ok {
		return errors.Wrapf(ErrChecksumMismatch, "%s got %x, expected %s", filename, computed, rec.Dist.Shasum)
	}
	return nil
}

// Publish uploads a new version of a package. The manifest is the
// contents of the package.json file, which must have a name and a
// version. The version is tagged with tag, or "latest" if tag is empty.
func (c *Connection) Publish(manifest []byte, tarball io.Reader, tag string) error {
	m, err := jason.NewObjectFromBytes(manifest)
	if err != nil {
		return errors.Wrap(ErrBadRequest, err.Error())
	}
	name, _ := m.GetString("name")
	version, _ := m.GetString("version")
	if name == "" || version == "" {
		return errors.Wrap(ErrBadRequest, "manifest needs a name and a version")
	}
	if tag == "" {
		tag = "latest"
	}

	rec := new(packages.VersionRecord)
	err = json.Unmarshal(manifest, rec)
	if err != nil {
		return errors.Wrap(ErrBadRequest, err.Error())
	}

	var data bytes.Buffer
	hw := util.NewHashWriter(&data)
	_, err = io.Copy(hw, tarball)
	if err != nil {
		return err
	}
	sha512sum, _ := hw.CheckSHA512(nil)
	filename := packages.DefaultFilename(name, version)
	rec.Name = name
	rec.Version = version
	rec.Dist.Shasum = hw.SHA1Hex()
	rec.Dist.Integrity = "sha512-" + base64.StdEncoding.EncodeToString(sha512sum)
	rec.Dist.Tarball = packages.TarballURL(c.HostURL, name, filename)

	doc := &packages.Metadata{
		Name:     name,
		DistTags: map[string]string{tag: version},
		Versions: map[string]*packages.VersionRecord{version: rec},
	}
	attachments := map[string]packages.Attachment{
		name + "-" + version + ".tgz": {
			ContentType: "application/octet-stream",
			Data:        base64.StdEncoding.EncodeToString(data.Bytes()),
			Length:      hw.Size(),
		},
	}
	body, err := packages.EncodePublish(doc, attachments)
	if err != nil {
		return err
	}
	_, err = c.doJason("PUT", packagePath(name), bytes.NewReader(body), 200)
	return err
}

// FixityRecord is one integrity check of a package.
type FixityRecord struct {
	ID            int64
	Package       string
	ScheduledTime string
	Status        string
	Notes         string
}

// Fixity returns the integrity checks recorded for package name.
func (c *Connection) Fixity(name string) ([]FixityRecord, error) {
	resp, err := c.get("/-/fixity?package=" + url.QueryEscape(name))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var raw []struct {
		ID            int64  `json:"id"`
		Package       string `json:"package"`
		ScheduledTime string `json:"scheduled_time"`
		Status        string `json:"status"`
		Notes         string `json:"notes"`
	}
	err = json.NewDecoder(resp.Body).Decode(&raw)
	if err != nil {
		return nil, err
	}
	var result []FixityRecord
	for _, r := range raw {
		result = append(result, FixityRecord(r))
	}
	return result, nil
}

// ScheduleFixity asks the registry to check package name as soon as it can.
func (c *Connection) ScheduleFixity(name string) error {
	_, err := c.doJason("PUT", "/-/fixity/"+url.PathEscape(name), nil, 201)
	return err
}
