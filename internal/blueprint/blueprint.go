// Package blueprint holds the structured, tagged representation of a
// blueprint (spec §3) along with its TOML/JSON codec, version-bump
// logic, and ordered diff algorithm.
package blueprint

// Blueprint is a named, versioned set of packages, modules, groups,
// and host customizations.
type Blueprint struct {
	Name           string          `toml:"name" json:"name"`
	Description    string          `toml:"description" json:"description"`
	Version        string          `toml:"version,omitempty" json:"version,omitempty"`
	Modules        []Package       `toml:"modules" json:"modules"`
	Packages       []Package       `toml:"packages" json:"packages"`
	Groups         []Group         `toml:"groups" json:"groups"`
	Customizations *Customizations `toml:"customizations,omitempty" json:"customizations,omitempty"`
	Repos          *Repos          `toml:"repos,omitempty" json:"repos,omitempty"`

	// Extra preserves TOML/JSON keys this struct does not model, so
	// that round-tripping a blueprint never silently drops data.
	Extra map[string]interface{} `toml:"-" json:"-"`
}

// Package is a (name, version-glob) pair. Modules and Packages both use
// this shape; the version-glob syntax is opaque to this package and is
// passed through to the resolver unmodified.
type Package struct {
	Name    string `toml:"name" json:"name"`
	Version string `toml:"version,omitempty" json:"version,omitempty"`
}

// Group is a named package collection provided by the repository
// metadata; it carries no version.
type Group struct {
	Name string `toml:"name" json:"name"`
}

type Repos struct {
	Git []GitRepo `toml:"git,omitempty" json:"git,omitempty"`
}

// GitRepo describes a repos.git entry (spec §3): a git-rpm source to
// clone, build, and install into the final image.
type GitRepo struct {
	RPMName     string `toml:"rpmname" json:"rpmname"`
	RPMVersion  string `toml:"rpmversion" json:"rpmversion"`
	RPMRelease  string `toml:"rpmrelease" json:"rpmrelease"`
	Summary     string `toml:"summary" json:"summary"`
	Repo        string `toml:"repo" json:"repo"`
	Ref         string `toml:"ref" json:"ref"`
	Destination string `toml:"destination" json:"destination"`
}

// Change is a single commit in a blueprint's history, as returned by
// Store.Changes.
type Change struct {
	Commit    string     `json:"commit"`
	Timestamp string     `json:"timestamp"`
	Message   string     `json:"message"`
	Revision  *int       `json:"revision,omitempty"`
	Blueprint Blueprint  `json:"-"`
}

// DeepCopy returns an independent copy of bp, safe to mutate without
// affecting the store's internal state.
func (bp Blueprint) DeepCopy() Blueprint {
	out := bp
	out.Modules = append([]Package(nil), bp.Modules...)
	out.Packages = append([]Package(nil), bp.Packages...)
	out.Groups = append([]Group(nil), bp.Groups...)
	if bp.Customizations != nil {
		c := *bp.Customizations
		out.Customizations = &c
	}
	if bp.Repos != nil {
		r := Repos{Git: append([]GitRepo(nil), bp.Repos.Git...)}
		out.Repos = &r
	}
	if bp.Extra != nil {
		out.Extra = make(map[string]interface{}, len(bp.Extra))
		for k, v := range bp.Extra {
			out.Extra[k] = v
		}
	}
	return out
}

// Initialize normalizes a freshly-read or freshly-posted blueprint:
// Groups is never nil (an empty TOML array round-trips as an empty,
// non-nil slice), and Version is validated/defaulted.
func (bp *Blueprint) Initialize() error {
	if bp.Groups == nil {
		bp.Groups = []Group{}
	}
	if bp.Modules == nil {
		bp.Modules = []Package{}
	}
	if bp.Packages == nil {
		bp.Packages = []Package{}
	}
	if bp.Version == "" {
		bp.Version = "0.0.1"
		return nil
	}
	return ValidateVersion(bp.Version)
}
