package builder

import (
	"context"
	"fmt"
	"strings"
)

func init() {
	Register(&GenericBuilder{})
}

// GenericBuilder synthesizes the environment for targets with no
// distribution-specific packaging step: just a chroot and a repository
// list.
type GenericBuilder struct{}

var _ Builder = (*GenericBuilder)(nil)

func (b *GenericBuilder) Kind() string { return "generic" }

func (b *GenericBuilder) BuildEnv(ctx context.Context, deps BuildDeps, distro DistroConfig, suite SuiteConfig, item QueueItem) (map[string]string, error) {
	env := map[string]string{}
	if chroot := chrootFor(distro, suite.GenericBuild.Chroot); chroot != "" {
		env["CHROOT"] = chroot
	}
	env["REPOSITORIES"] = repositoriesLine(distro)
	return env, nil
}

// repositoriesLine renders the archive-mirror stanza shared by both
// builder kinds: "<mirror> <distro>/ <components...>".
func repositoriesLine(d DistroConfig) string {
	return fmt.Sprintf("%s %s/ %s", d.ArchiveMirrorURI, d.Name, strings.Join(d.Component, " "))
}

func chrootFor(distro DistroConfig, suiteChroot string) string {
	if suiteChroot != "" {
		return suiteChroot
	}
	return distro.Chroot
}
