package blueprint

import "encoding/json"

// DiffEntry is one changed scalar field or list element, per spec
// §4.A. Added elements have Old == nil; removed elements have New ==
// nil. Both are rendered as a JSON object keyed by the field name
// ("Description", "Version", "Module", "Package", "Group",
// "Customizations"), or JSON null.
type DiffEntry struct {
	Old map[string]interface{} `json:"old"`
	New map[string]interface{} `json:"new"`
}

// Diff compares two blueprints and returns an ordered list of
// differences: Description, Version, Module(name), Package(name),
// Group(name), then Customizations.
func Diff(oldBp, newBp Blueprint) []DiffEntry {
	var entries []DiffEntry

	if oldBp.Description != newBp.Description {
		entries = append(entries, DiffEntry{
			Old: map[string]interface{}{"Description": oldBp.Description},
			New: map[string]interface{}{"Description": newBp.Description},
		})
	}

	if oldBp.Version != newBp.Version {
		entries = append(entries, DiffEntry{
			Old: map[string]interface{}{"Version": oldBp.Version},
			New: map[string]interface{}{"Version": newBp.Version},
		})
	}

	entries = append(entries, diffPackageList("Module", oldBp.Modules, newBp.Modules)...)
	entries = append(entries, diffPackageList("Package", oldBp.Packages, newBp.Packages)...)
	entries = append(entries, diffGroupList(oldBp.Groups, newBp.Groups)...)
	entries = append(entries, diffCustomizations(oldBp.Customizations, newBp.Customizations)...)

	return entries
}

func diffPackageList(label string, oldList, newList []Package) []DiffEntry {
	oldIdx := indexPackages(oldList)
	newIdx := indexPackages(newList)

	var entries []DiffEntry
	for _, name := range orderedNames(oldList, newList) {
		o, inOld := oldIdx[name]
		n, inNew := newIdx[name]
		switch {
		case inOld && !inNew:
			entries = append(entries, DiffEntry{
				Old: map[string]interface{}{label: o},
				New: nil,
			})
		case !inOld && inNew:
			entries = append(entries, DiffEntry{
				Old: nil,
				New: map[string]interface{}{label: n},
			})
		case inOld && inNew && o != n:
			entries = append(entries, DiffEntry{
				Old: map[string]interface{}{label: o},
				New: map[string]interface{}{label: n},
			})
		}
	}
	return entries
}

func diffGroupList(oldList, newList []Group) []DiffEntry {
	oldIdx := map[string]bool{}
	for _, g := range oldList {
		oldIdx[g.Name] = true
	}
	newIdx := map[string]bool{}
	for _, g := range newList {
		newIdx[g.Name] = true
	}

	var entries []DiffEntry
	for _, g := range oldList {
		if !newIdx[g.Name] {
			entries = append(entries, DiffEntry{
				Old: map[string]interface{}{"Group": g},
				New: nil,
			})
		}
	}
	for _, g := range newList {
		if !oldIdx[g.Name] {
			entries = append(entries, DiffEntry{
				Old: nil,
				New: map[string]interface{}{"Group": g},
			})
		}
	}
	return entries
}

func diffCustomizations(oldC, newC *Customizations) []DiffEntry {
	oldJSON, _ := json.Marshal(oldC)
	newJSON, _ := json.Marshal(newC)
	if string(oldJSON) == string(newJSON) {
		return nil
	}

	entry := DiffEntry{}
	if oldC != nil {
		entry.Old = map[string]interface{}{"Customizations": oldC}
	}
	if newC != nil {
		entry.New = map[string]interface{}{"Customizations": newC}
	}
	return []DiffEntry{entry}
}

func indexPackages(list []Package) map[string]Package {
	idx := make(map[string]Package, len(list))
	for _, p := range list {
		idx[p.Name] = p
	}
	return idx
}

// orderedNames returns package names in the order they first appear,
// old list first, so added/removed elements surface in a stable order.
func orderedNames(oldList, newList []Package) []string {
	seen := map[string]bool{}
	var names []string
	for _, p := range oldList {
		if !seen[p.Name] {
			seen[p.Name] = true
			names = append(names, p.Name)
		}
	}
	for _, p := range newList {
		if !seen[p.Name] {
			seen[p.Name] = true
			names = append(names, p.Name)
		}
	}
	return names
}
