// Package xfer implements the remote-copy component (C6): transferring
// a Resource via local copy or secure remote copy, and running a
// ResourceList of such transfers to completion once per supervisor pass.
package xfer

import (
	"os/exec"
	"path/filepath"

	"github.com/OneOfOne/xxhash"
	cuckoo "github.com/seiflotfy/cuckoofilter"

	"github.com/civm-dev/cs-reco/cmn"
	"github.com/civm-dev/cs-reco/cmn/nlog"
)

// RState is a Resource's transfer state.
type RState string

const (
	RStateRemote    RState = "remote"
	RStateLocal     RState = "local"
	RStateSucceeded RState = "succeeded"
)

// Host identifies a remote acquisition host to secure-copy from.
type Host struct {
	Name string `json:"name"`
	User string `json:"user"`
}

// Resource is one file to be copied from Src to Dest, optionally via Host.
// Checksum is populated (xxhash64 of the destination file) after a
// successful transfer, advisory only per SPEC_FULL §4.6.
type Resource struct {
	Src      string `json:"src"`
	Dest     string `json:"dest"`
	State    RState `json:"state"`
	Host     *Host  `json:"host,omitempty"`
	Checksum string `json:"checksum,omitempty"`
}

// New creates a Resource in RStateLocal pointed at src -> dest.
func New(src, dest string) *Resource {
	return &Resource{Src: src, Dest: dest, State: RStateLocal}
}

// sameIdentity reports whether two resources refer to the same logical
// transfer, per Invariant 4: identity is (src, dest, host), ignoring state.
func (r *Resource) sameIdentity(other *Resource) bool {
	if r.Src != other.Src || r.Dest != other.Dest {
		return false
	}
	switch {
	case r.Host == nil && other.Host == nil:
		return true
	case r.Host == nil || other.Host == nil:
		return false
	default:
		return *r.Host == *other.Host
	}
}

// LocalPath is the destination path a fetched Resource will land at:
// Dest joined with Src's basename.
func (r *Resource) LocalPath() string {
	return filepath.Join(r.Dest, filepath.Base(r.Src))
}

// setHost assigns host, moving a non-Succeeded resource into RStateRemote
// (or RStateLocal if host is nil).
func (r *Resource) setHost(host *Host) {
	if r.State != RStateSucceeded {
		if host != nil {
			r.State = RStateRemote
		} else {
			r.State = RStateLocal
		}
	}
	r.Host = host
}

// Fetch runs the transfer appropriate to the Resource's current state.
// A Resource already Succeeded is left untouched.
func (r *Resource) Fetch(s cmn.Storage) error {
	switch r.State {
	case RStateRemote:
		return r.transfer(s, false)
	case RStateLocal:
		return r.transfer(s, true)
	case RStateSucceeded:
		nlog.Infof("fetch already succeeded for %s, skipping", r.Src)
		return nil
	default:
		return cmn.Tagf(cmn.KindParseError, nil, "resource %s: unknown state %q", r.Src, r.State)
	}
}

var filter = cuckoo.NewFilter(1024)

// transfer runs `cp -p` (local) or `scp -Bp user@host:src dest` (remote),
// creating the destination directory if absent. A nonzero exit leaves the
// Resource's state unchanged -- the caller retries on the next pass.
func (r *Resource) transfer(s cmn.Storage, local bool) error {
	var cmdName string
	var args []string
	var src string
	if local {
		cmdName = "cp"
		args = []string{"-p"}
		src = r.Src
	} else {
		if r.Host == nil {
			return cmn.Tagf(cmn.KindParseError, nil, "resource %s: remote transfer requires a host", r.Src)
		}
		cmdName = "scp"
		args = []string{"-Bp"}
		src = r.Host.User + "@" + r.Host.Name + ":" + r.Src
	}
	args = append(args, src, r.Dest)

	if !cmn.Exists(s, r.Dest) {
		if err := s.MkdirAll(r.Dest, 0o755); err != nil {
			return cmn.Tagf(cmn.KindIoMissing, err, "mkdir %s", r.Dest)
		}
	}

	key := []byte(r.Src + "\x00" + r.Dest)
	if filter.Lookup(key) {
		nlog.Infof("resource %s -> %s: cuckoo filter suggests a duplicate transfer, verifying", r.Src, r.Dest)
	}

	cmd := exec.Command(cmdName, args...)
	if err := cmd.Run(); err != nil {
		nlog.Warningf("transfer %s -> %s failed: %v", src, r.Dest, err)
		return nil // non-fatal: retried on next pass, per §4.6
	}
	filter.Insert(key)
	r.State = RStateSucceeded
	if sum, err := hashFile(s, r.LocalPath()); err == nil {
		r.Checksum = sum
	}
	return nil
}

func hashFile(s cmn.Storage, path string) (string, error) {
	data, err := s.ReadFile(path)
	if err != nil {
		return "", err
	}
	h := xxhash.New64()
	h.Write(data)
	return formatHash(h.Sum64()), nil
}

func formatHash(v uint64) string {
	const hexDigits = "0123456789abcdef"
	buf := make([]byte, 16)
	for i := 15; i >= 0; i-- {
		buf[i] = hexDigits[v&0xf]
		v >>= 4
	}
	return string(buf)
}
