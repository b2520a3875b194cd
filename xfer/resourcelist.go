package xfer

import (
	"path/filepath"

	"github.com/civm-dev/cs-reco/cmn"
)

// ResourceList is the durable, per-workdir collection of transfers the
// remote-copy component tracks. Resources are visited in insertion order;
// only those not yet Succeeded are attempted each pass (§4.6).
type ResourceList struct {
	Workdir string      `json:"workdir"`
	Items   []*Resource `json:"item"`
	Host    *Host       `json:"host,omitempty"`

	s cmn.Storage
}

func listPath(workdir string) string {
	return filepath.Join(workdir, "resource_list.json")
}

// Open loads the ResourceList persisted at workdir, or creates an empty
// one if none exists yet.
func Open(s cmn.Storage, workdir string) (*ResourceList, error) {
	rl := &ResourceList{Workdir: workdir, s: s}
	if cmn.Exists(s, listPath(workdir)) {
		if err := cmn.LoadJSON(s, listPath(workdir), rl); err != nil {
			return nil, err
		}
		rl.s = s
	}
	if err := rl.save(); err != nil {
		return nil, err
	}
	return rl, nil
}

func (rl *ResourceList) save() error {
	return cmn.SaveJSON(rl.s, listPath(rl.Workdir), rl)
}

// SetHost assigns host to the list and every item in it, then persists.
func (rl *ResourceList) SetHost(host *Host) error {
	rl.Host = host
	for _, item := range rl.Items {
		item.setHost(host)
	}
	return rl.save()
}

// TryAdd adds res if no item with the same (src, dest, host) identity
// already exists (Invariant 4: dedup ignores state). res's Dest is
// rewritten to Workdir/Dest before comparison, matching the original's
// path-joining semantics.
func (rl *ResourceList) TryAdd(res *Resource) error {
	res.setHost(rl.Host)
	res.Dest = filepath.Join(rl.Workdir, res.Dest)
	for _, existing := range rl.Items {
		if existing.sameIdentity(res) {
			return nil
		}
	}
	rl.Items = append(rl.Items, res)
	return rl.save()
}

// StartTransfer attempts Fetch on every item not yet Succeeded, in
// insertion order, persisting after each attempt.
func (rl *ResourceList) StartTransfer() error {
	for _, item := range rl.Items {
		if item.State == RStateSucceeded {
			continue
		}
		if err := item.Fetch(rl.s); err != nil {
			return err
		}
		if err := rl.save(); err != nil {
			return err
		}
	}
	return nil
}
