package builder

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

func init() {
	Register(&DebianBuilder{})
}

// DebianBuilder synthesizes the sbuild environment for Debian package
// builds: chroot, apt sources (base distro + extra build distributions),
// lintian profile, and the last successfully built version of the same
// source/distribution pair (so the worker can produce a changelog diff).
type DebianBuilder struct{}

var _ Builder = (*DebianBuilder)(nil)

func (b *DebianBuilder) Kind() string { return "debian" }

func (b *DebianBuilder) BuildEnv(ctx context.Context, deps BuildDeps, distro DistroConfig, suite SuiteConfig, item QueueItem) (map[string]string, error) {
	env := map[string]string{
		"EXTRA_REPOSITORIES": extraRepositories(rewriteAptLocation(distro.AptLocation), suite.DebianBuild.ExtraBuildDistribution),
	}

	if chroot := chrootFor(distro, suite.DebianBuild.Chroot); chroot != "" {
		env["CHROOT"] = chroot
	}
	if distro.Name != "" {
		env["DISTRIBUTION"] = distro.Name
	}
	env["REPOSITORIES"] = repositoriesLine(distro)

	buildDistribution := suite.DebianBuild.BuildDistribution
	if buildDistribution == "" {
		buildDistribution = suite.Name
	}
	env["BUILD_DISTRIBUTION"] = buildDistribution
	env["BUILD_SUFFIX"] = suite.DebianBuild.BuildSuffix

	if cmd := suite.DebianBuild.BuildCommand; cmd != "" {
		env["BUILD_COMMAND"] = cmd
	} else if distro.BuildCommand != "" {
		env["BUILD_COMMAND"] = distro.BuildCommand
	}

	version, err := deps.LastBuildVersion(ctx, item.Package, buildDistribution)
	if err != nil {
		return nil, fmt.Errorf("builder: last build version for %s/%s: %w", item.Package, buildDistribution, err)
	}
	if version != "" {
		env["LAST_BUILD_VERSION"] = version
	}

	env["LINTIAN_PROFILE"] = distro.LintianProfile
	if len(distro.LintianSuppress) > 0 {
		env["LINTIAN_SUPPRESS_TAGS"] = strings.Join(distro.LintianSuppress, ",")
	}

	for k, v := range suite.DebianBuild.SbuildEnv {
		env[k] = v
	}

	vendor := distro.Vendor
	if vendor == "" {
		vendor = "debian"
	}
	env["DEB_VENDOR"] = vendor

	return env, nil
}

func extraRepositories(aptLocation string, suites []string) string {
	sorted := append([]string(nil), suites...)
	sort.Strings(sorted)
	lines := make([]string, 0, len(sorted))
	for _, suite := range sorted {
		lines = append(lines, fmt.Sprintf("deb %s %s/ main", aptLocation, suite))
	}
	return strings.Join(lines, ":")
}
