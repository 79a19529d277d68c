// Package version compares the worker's published release tags with the
// version the installed binary reports.
package version

import (
	"bufio"
	"bytes"
	"context"
	"log/slog"
	"regexp"
	"strings"

	"golang.org/x/mod/semver"

	"github.com/loykin/nodekeeper/internal/metrics"
	"github.com/loykin/nodekeeper/internal/shell"
)

// Version is a canonical "vMAJOR.MINOR.PATCH" string. Unknown is the zero value.
type Version string

const Unknown Version = ""

func (v Version) Known() bool { return v != Unknown }

func (v Version) String() string {
	if v == Unknown {
		return "unknown"
	}
	return string(v)
}

var (
	releaseTag = regexp.MustCompile(`^v?(\d+)\.(\d+)\.(\d+)$`)
	embedded   = regexp.MustCompile(`v?(\d+\.\d+\.\d+)`)
)

// Normalize returns the canonical form of a strict release tag, or Unknown
// for anything else (pre-releases, two-part versions, junk).
func Normalize(tag string) Version {
	tag = strings.TrimSpace(tag)
	if !releaseTag.MatchString(tag) {
		return Unknown
	}
	if !strings.HasPrefix(tag, "v") {
		tag = "v" + tag
	}
	if !semver.IsValid(tag) {
		return Unknown
	}
	return Version(tag)
}

// Extract pulls the first version-like substring out of free-form output.
func Extract(out string) Version {
	m := embedded.FindStringSubmatch(out)
	if m == nil {
		return Unknown
	}
	return Normalize(m[1])
}

// Compare orders two known versions numerically.
func Compare(a, b Version) int { return semver.Compare(string(a), string(b)) }

// Max returns the greatest release tag in tags, ignoring non-release tags.
func Max(tags []string) Version {
	best := Unknown
	for _, t := range tags {
		v := Normalize(t)
		if !v.Known() {
			continue
		}
		if !best.Known() || Compare(v, best) > 0 {
			best = v
		}
	}
	return best
}

// UpdateAvailable is true only when both sides are known and latest is
// strictly newer.
func UpdateAvailable(installed, latest Version) bool {
	if !installed.Known() || !latest.Known() {
		return false
	}
	return Compare(latest, installed) > 0
}

// Oracle answers version questions about the worker.
type Oracle struct {
	Runner shell.Runner
	Repo   string // git remote holding release tags
	Binary string // installed worker executable
	Logger *slog.Logger
}

func NewOracle(r shell.Runner, repo, binary string, log *slog.Logger) *Oracle {
	if r == nil {
		r = shell.ExecRunner{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Oracle{Runner: r, Repo: repo, Binary: binary, Logger: log}
}

// Latest lists the remote's tags and returns the greatest release. Any
// failure yields Unknown.
func (o *Oracle) Latest(ctx context.Context) Version {
	out, err := o.Runner.Run(ctx, "git", "ls-remote", "--tags", "--refs", o.Repo)
	if err != nil {
		o.Logger.Warn("listing release tags failed", "repo", o.Repo, "error", err)
		return Unknown
	}
	return Max(parseRefs(out))
}

// Installed asks the worker binary for its version. "--version" is tried
// first, then "-V".
func (o *Oracle) Installed(ctx context.Context) Version {
	for _, flag := range []string{"--version", "-V"} {
		out, err := o.Runner.Run(ctx, o.Binary, flag)
		if v := Extract(string(out)); v.Known() {
			return v
		}
		if err != nil {
			o.Logger.Debug("version query failed", "binary", o.Binary, "flag", flag, "error", err)
		}
	}
	return Unknown
}

// Check is the result of one comparison.
type Check struct {
	Installed Version `json:"installed"`
	Latest    Version `json:"latest"`
	Update    bool    `json:"update_available"`
}

func (o *Oracle) Check(ctx context.Context) Check {
	c := Check{Installed: o.Installed(ctx), Latest: o.Latest(ctx)}
	c.Update = UpdateAvailable(c.Installed, c.Latest)
	switch {
	case !c.Installed.Known() || !c.Latest.Known():
		metrics.IncUpdateCheck("unknown")
	case c.Update:
		metrics.IncUpdateCheck("update")
	default:
		metrics.IncUpdateCheck("current")
	}
	o.Logger.Info("version check", "installed", c.Installed.String(), "latest", c.Latest.String(), "update", c.Update)
	return c
}

// UpdateAvailable reports whether a newer release than the installed one exists.
func (o *Oracle) UpdateAvailable(ctx context.Context) bool { return o.Check(ctx).Update }

// parseRefs extracts tag names from "git ls-remote" output lines of the
// form "<sha>\trefs/tags/<name>".
func parseRefs(out []byte) []string {
	var tags []string
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) != 2 {
			continue
		}
		name, ok := strings.CutPrefix(fields[1], "refs/tags/")
		if !ok {
			continue
		}
		tags = append(tags, strings.TrimSuffix(name, "^{}"))
	}
	return tags
}
