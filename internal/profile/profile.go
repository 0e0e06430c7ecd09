// Package profile implements the policy collaborator the core deliberately
// leaves external: what tag a newly discovered file should be given, and
// whether a directory warrants its own sub-Manifest. internal/updater calls
// into a Profile during update_directory_entries; the core itself never
// constructs or requires one of any particular shape.
package profile

import (
	"bytes"
	"fmt"
	"path"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/robbat2/gemato/pkg/manifest"
)

// Profile answers the two policy questions the Updater needs while walking
// a directory it does not yet have full Manifest coverage for.
type Profile interface {
	// EntryTypeForPath returns the tag a newly discovered regular file at
	// relPath (relative to the repository root) should be recorded with.
	EntryTypeForPath(relPath string) manifest.Tag

	// WantManifestInDirectory reports whether dir (relative to the
	// repository root) should have its own sub-Manifest, given the
	// directory and file names found directly within it.
	WantManifestInDirectory(dir string, dirNames, fileNames []string) bool
}

// Default is the built-in Profile: ebuilds and files/ contents get their
// conventional tags, everything else is DATA, and only the top-level
// directory gets a Manifest unless configured otherwise via Load.
type Default struct {
	manifestDirs map[string]bool
	auxUnder     string
	ebuildSuffix string
}

// NewDefault returns a Default profile with no extra Manifest directories
// configured.
func NewDefault() *Default {
	return &Default{auxUnder: "files", ebuildSuffix: ".ebuild"}
}

func (p *Default) EntryTypeForPath(relPath string) manifest.Tag {
	if strings.HasSuffix(relPath, p.ebuildSuffix) {
		return manifest.TagEbuild
	}
	dir := path.Dir(relPath)
	if dir == p.auxUnder || strings.HasPrefix(dir, p.auxUnder+"/") {
		return manifest.TagAux
	}
	return manifest.TagData
}

func (p *Default) WantManifestInDirectory(dir string, dirNames, fileNames []string) bool {
	if dir == "" {
		return true
	}
	return p.manifestDirs[dir]
}

// yamlConfig is the on-disk shape of a Default profile configuration.
type yamlConfig struct {
	ManifestDirs []string `yaml:"manifest-dirs"`
	AuxUnder     string   `yaml:"aux-under"`
	EbuildSuffix string   `yaml:"ebuild-suffix"`
}

// Load parses a YAML profile configuration and returns a Default profile
// built from it. Unknown fields are rejected.
func Load(data []byte) (*Default, error) {
	var cfg yamlConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("cannot parse profile configuration: %w", err)
	}

	p := NewDefault()
	if cfg.AuxUnder != "" {
		p.auxUnder = strings.TrimSuffix(cfg.AuxUnder, "/")
	}
	if cfg.EbuildSuffix != "" {
		p.ebuildSuffix = cfg.EbuildSuffix
	}
	p.manifestDirs = make(map[string]bool, len(cfg.ManifestDirs))
	for _, d := range cfg.ManifestDirs {
		p.manifestDirs[strings.TrimSuffix(d, "/")] = true
	}
	return p, nil
}
