package deploy

import "sort"

// DefaultProtected returns the remote filenames that must never be
// classified as obsolete. The WebREPL credential file is device
// configuration; deleting it would lock out the network channel.
func DefaultProtected() map[string]struct{} {
	return map[string]struct{}{
		"webrepl_cfg.py": {},
	}
}

// Diff partitions filenames into the work a sync run must perform. The
// three sets are pairwise disjoint and the obsolete set never intersects
// the protected set.
type Diff struct {
	New      []string
	Updated  []string
	Obsolete []string
}

// Empty reports whether the diff requires no work.
func (d Diff) Empty() bool {
	return len(d.New) == 0 && len(d.Updated) == 0 && len(d.Obsolete) == 0
}

// Total returns the number of planned changes.
func (d Diff) Total() int {
	return len(d.New) + len(d.Updated) + len(d.Obsolete)
}

// Transfers returns the files to copy (new plus updated), sorted.
func (d Diff) Transfers() []string {
	files := make([]string, 0, len(d.New)+len(d.Updated))
	files = append(files, d.New...)
	files = append(files, d.Updated...)
	sort.Strings(files)
	return files
}

// ComputeDiff compares local and remote hash maps. Files only present
// locally are new; files present on both sides with differing hashes are
// updated; files only present remotely are obsolete unless protected.
//
// An empty or nil remote map (probe failure, clean deploy) degrades to
// classifying every local file as new: a full re-push instead of a failed
// run.
func ComputeDiff(local, remote map[string]string, protected map[string]struct{}) Diff {
	var d Diff

	for name, localHash := range local {
		remoteHash, exists := remote[name]
		switch {
		case !exists:
			d.New = append(d.New, name)
		case localHash != remoteHash:
			d.Updated = append(d.Updated, name)
		}
	}

	for name := range remote {
		if _, exists := local[name]; exists {
			continue
		}
		if _, isProtected := protected[name]; isProtected {
			continue
		}
		d.Obsolete = append(d.Obsolete, name)
	}

	sort.Strings(d.New)
	sort.Strings(d.Updated)
	sort.Strings(d.Obsolete)
	return d
}
