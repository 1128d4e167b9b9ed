package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/ndlib/npmstore/packages"
	"github.com/ndlib/npmstore/regclient"
	"github.com/ndlib/npmstore/server"
)

var (
	registry = flag.String("server", "http://localhost:4873", "registry to use")
	token    = flag.String("token", os.Getenv("NPM_TOKEN"), "token to send. Defaults to $NPM_TOKEN")
	tag      = flag.String("tag", "latest", "dist-tag to give a published version")
	usage    = `
npmutil <command> <command arguments>

Possible commands:
    ping
    login <user>            password is read from standard input
    logout
    whoami

    info <package>
    view <package> <field>  e.g. "description" or "dist-tags.latest"
    get <package>[@version] [output file]
    publish <package.json> <tarball>

    fixity <package>
    fixity-now <package>

    hashpw <user> <role>    print a users file line. password is read from standard input
`
)

func main() {
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	c := &regclient.Connection{HostURL: *registry, Token: *token}
	var err error
	switch {
	case args[0] == "ping" && len(args) == 1:
		err = c.Ping()
	case args[0] == "login" && len(args) == 2:
		err = dologin(c, args[1])
	case args[0] == "logout" && len(args) == 1:
		err = c.Logout()
	case args[0] == "whoami" && len(args) == 1:
		var who string
		who, err = c.Whoami()
		fmt.Println(who)
	case args[0] == "info" && len(args) == 2:
		err = doinfo(c, args[1])
	case args[0] == "view" && len(args) == 3:
		err = doview(c, args[1], args[2])
	case args[0] == "get" && (len(args) == 2 || len(args) == 3):
		err = doget(c, args[1], args[2:])
	case args[0] == "publish" && len(args) == 3:
		err = dopublish(c, args[1], args[2])
	case args[0] == "fixity" && len(args) == 2:
		err = dofixity(c, args[1])
	case args[0] == "fixity-now" && len(args) == 2:
		err = c.ScheduleFixity(args[1])
	case args[0] == "hashpw" && len(args) == 3:
		err = dohashpw(args[1], args[2])
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func readPassword() (string, error) {
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func dologin(c *regclient.Connection, user string) error {
	pw, err := readPassword()
	if err != nil {
		return err
	}
	t, err := c.Login(user, pw)
	if err != nil {
		return err
	}
	fmt.Println(t)
	return nil
}

func doinfo(c *regclient.Connection, name string) error {
	doc, err := c.Metadata(name)
	if err != nil {
		return err
	}
	fmt.Println("Package:", doc.Name)
	w := tabwriter.NewWriter(os.Stdout, 5, 1, 3, ' ', 0)
	for t, v := range doc.DistTags {
		fmt.Fprintf(w, "%s:\t%s\n", t, v)
	}
	w.Flush()
	fmt.Println("---")
	w = tabwriter.NewWriter(os.Stdout, 5, 1, 3, ' ', 0)
	fmt.Fprintf(w, "Version\tPublished\tShasum\n")
	for _, v := range packages.SortedVersions(doc) {
		rec := doc.Versions[v]
		fmt.Fprintf(w, "%s\t%s\t%s\n", v, doc.Time[v], rec.Dist.Shasum)
	}
	w.Flush()
	return nil
}

func doview(c *regclient.Connection, name, field string) error {
	v, err := c.PackageInfo(name)
	if err != nil {
		return err
	}
	s, err := v.GetString(strings.Split(field, ".")...)
	if err != nil {
		return err
	}
	fmt.Println(s)
	return nil
}

// splitTarget separates "name@version" into its parts. The version is
// "latest" if none is given. The leading @ of a scoped name is not a
// separator.
func splitTarget(target string) (name, version string) {
	if i := strings.LastIndex(target, "@"); i > 0 {
		return target[:i], target[i+1:]
	}
	return target, "latest"
}

func doget(c *regclient.Connection, target string, out []string) error {
	name, version := splitTarget(target)
	var w io.Writer = os.Stdout
	if len(out) > 0 {
		f, err := os.Create(out[0])
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	return c.Download(w, name, version)
}

func dopublish(c *regclient.Connection, manifest, tarball string) error {
	m, err := os.ReadFile(manifest)
	if err != nil {
		return err
	}
	f, err := os.Open(tarball)
	if err != nil {
		return err
	}
	defer f.Close()
	return c.Publish(m, f, *tag)
}

func dofixity(c *regclient.Connection, name string) error {
	records, err := c.Fixity(name)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 5, 1, 3, ' ', 0)
	fmt.Fprintf(w, "ID\tScheduled\tStatus\tNotes\n")
	for _, r := range records {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", r.ID, r.ScheduledTime, r.Status, r.Notes)
	}
	return w.Flush()
}

func dohashpw(user, role string) error {
	r := packages.ParseRole(role)
	if r == packages.RoleUnknown {
		return fmt.Errorf("unknown role %q", role)
	}
	pw, err := readPassword()
	if err != nil {
		return err
	}
	line, err := server.HashPassword(user, r, pw)
	if err != nil {
		return err
	}
	fmt.Println(line)
	return nil
}
