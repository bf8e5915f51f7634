// Package builder defines interfaces for abstracting build-environment
// synthesis for the two supported target kinds.
//
// The core interface is [Builder], which turns a suite's configuration and
// a queue item into the environment map a remote worker receives verbatim.
// Kind-specific implementations live in this package (e.g. [DebianBuilder]
// for sbuild-based Debian package builds).
package builder

import "context"

// Builder synthesizes the build environment for one target kind (Generic,
// Debian, ...). Implementations never perform the build themselves — that
// is the worker's job, out of scope for this control plane.
type Builder interface {
	// Kind returns the short identifier sent on the wire as
	// assignment.build.target (e.g. "generic", "debian").
	Kind() string

	// BuildEnv computes the environment variables handed to the worker for
	// this queue item. Distribution-wide defaults come from distro;
	// suite-level overrides from suite take precedence.
	BuildEnv(ctx context.Context, deps BuildDeps, distro DistroConfig, suite SuiteConfig, item QueueItem) (map[string]string, error)
}

// BuildDeps are the collaborators a Builder needs that don't belong in its
// own config: a way to look up the last successful build version for a
// given source/distribution pair (Debian only).
type BuildDeps interface {
	// LastBuildVersion returns the version string of the most recent
	// successful build of source in distribution, or "" if there is none.
	LastBuildVersion(ctx context.Context, source, distribution string) (string, error)
}

// DistroConfig carries distribution-wide build defaults, analogous to the
// original source's top-level distribution stanza.
type DistroConfig struct {
	Name             string
	Chroot           string
	ArchiveMirrorURI string
	Component        []string
	Vendor           string
	BuildCommand     string
	LintianProfile   string
	LintianSuppress  []string

	// AptLocation is the base URL (or gs:// bucket) for the
	// EXTRA_REPOSITORIES apt location used by the Debian builder. Rewritten
	// from a cloud-storage URI to its public HTTPS equivalent before export.
	AptLocation string
}

// GenericBuildConfig is the suite-level override block for the generic
// builder.
type GenericBuildConfig struct {
	Chroot string
}

// DebianBuildConfig is the suite-level override block for the Debian
// builder.
type DebianBuildConfig struct {
	Chroot                 string
	BuildDistribution      string
	BuildSuffix            string
	BuildCommand           string
	ExtraBuildDistribution []string
	SbuildEnv              map[string]string
}

// SuiteConfig is the subset of a suite's policy bundle the builder package
// needs. Other concerns (review policy, publish mode) live in
// internal/config and are not duplicated here.
type SuiteConfig struct {
	Name          string
	BranchName    string
	ForceBuild    bool
	GenericBuild  GenericBuildConfig
	DebianBuild   DebianBuildConfig
}

// QueueItem is the subset of the persisted queue row the builder package
// needs; see internal/model for the full record.
type QueueItem struct {
	Package string
	Suite   string
	Subpath string
}
