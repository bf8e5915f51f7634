// Command chroot-creator builds the sbuild chroot images the Debian
// builder's CHROOT suite variable points at, mirroring the original
// create-sbuild-chroot.py. It either runs sbuild-createchroot directly
// on the host, or, given --kubernetes, submits a batchv1.Job that runs
// the same command in-cluster.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/ashenforge/fleetd/internal/config"
	"github.com/ashenforge/fleetd/internal/logging"
	"github.com/ashenforge/fleetd/pkg/builder"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
)

func main() {
	configPath := flag.String("config", "/etc/fleetd/config.toml", "path to the main TOML configuration")
	policyPath := flag.String("policy", "/etc/fleetd/policy.yaml", "path to the suite policy YAML bundle")
	baseDir := flag.String("base-directory", "", "base directory for chroots")
	sbuildArch := flag.String("arch", "", "sbuild architecture (default: dpkg-architecture -qDEB_BUILD_ARCH)")
	includeFlag := flag.String("include", "", "comma-separated extra packages to include")
	tarball := flag.String("make-sbuild-tarball", "", "also produce an sbuild tarball at this path")
	eatmydata := flag.Bool("eatmydata", true, "prefix build commands with eatmydata")
	kubernetesJob := flag.Bool("kubernetes", false, "submit a batchv1.Job instead of running locally")
	namespace := flag.String("namespace", "fleetd", "namespace for the Kubernetes Job")
	image := flag.String("image", "", "container image to run chroot-creator --kubernetes jobs from")
	flag.Parse()

	log := logging.New(logging.Options{Format: logging.FormatJSON, Level: slog.LevelInfo})

	if *baseDir == "" {
		fmt.Fprintln(os.Stderr, "chroot-creator: --base-directory is required")
		os.Exit(2)
	}

	main, err := config.LoadMain(*configPath)
	if err != nil {
		log.Error("load config", "error", err)
		os.Exit(1)
	}
	policy, err := config.LoadPolicy(*policyPath)
	if err != nil {
		log.Error("load policy", "error", err)
		os.Exit(1)
	}

	var include []string
	if *includeFlag != "" {
		include = strings.Split(*includeFlag, ",")
	}

	suites := buildDistributions(policy)
	if len(suites) == 0 {
		log.Warn("no debian_build suites reference this distribution; creating a bare chroot")
	}

	arch := *sbuildArch
	if arch == "" {
		arch, err = sbuildArchitecture(context.Background())
		if err != nil {
			log.Error("determine sbuild architecture", "error", err)
			os.Exit(1)
		}
	}

	args := createChrootArgs(main.Distribution, *baseDir, suites, arch, include, *eatmydata, *tarball)

	if *kubernetesJob {
		if *image == "" {
			fmt.Fprintln(os.Stderr, "chroot-creator: --image is required with --kubernetes")
			os.Exit(2)
		}
		if err := submitKubernetesJob(context.Background(), *namespace, *image, args); err != nil {
			log.Error("submit kubernetes job", "error", err)
			os.Exit(1)
		}
		log.Info("submitted chroot-creator job", "namespace", *namespace, "distribution", main.Distribution.Name)
		return
	}

	cmd := exec.CommandContext(context.Background(), "sbuild-createchroot", args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	log.Info("creating chroot", "distribution", main.Distribution.Name, "args", args)
	if err := cmd.Run(); err != nil {
		log.Error("sbuild-createchroot failed", "error", err)
		os.Exit(1)
	}
}

// buildDistributions collects the build-distribution aliases every
// debian_build suite in policy contributes, matching
// create-sbuild-chroot.py's suite/campaign scan.
func buildDistributions(policy config.Policy) []string {
	var out []string
	for _, suite := range policy.Suites {
		if suite.BuilderKind != "debian" {
			continue
		}
		if suite.DebianBuild.BuildDistribution == "" {
			continue
		}
		out = append(out, suite.DebianBuild.BuildDistribution)
	}
	return out
}

// submitKubernetesJob runs the equivalent sbuild-createchroot invocation
// in-cluster as a one-shot batchv1.Job, narrowed from the teacher's full
// controller-runtime operator down to a single client-go Create call: no
// watch, no cache, no reconcile loop, because there's nothing here to
// reconcile after the Job is submitted.
func submitKubernetesJob(ctx context.Context, namespace, image string, args []string) error {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		return fmt.Errorf("chroot-creator: load in-cluster config: %w", err)
	}
	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return fmt.Errorf("chroot-creator: build clientset: %w", err)
	}

	backoffLimit := int32(0)
	deadline := int64((30 * time.Minute).Seconds())
	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			GenerateName: "fleetd-chroot-creator-",
			Namespace:    namespace,
			Labels:       map[string]string{"app": "fleetd-chroot-creator"},
		},
		Spec: batchv1.JobSpec{
			BackoffLimit:          &backoffLimit,
			ActiveDeadlineSeconds: &deadline,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: map[string]string{"app": "fleetd-chroot-creator"},
				},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					Containers: []corev1.Container{
						{
							Name:    "chroot-creator",
							Image:   image,
							Command: append([]string{"sbuild-createchroot"}, args...),
							SecurityContext: &corev1.SecurityContext{
								Privileged: boolPtr(true),
							},
						},
					},
				},
			},
		},
	}

	_, err = clientset.BatchV1().Jobs(namespace).Create(ctx, job, metav1.CreateOptions{})
	if err != nil {
		return fmt.Errorf("chroot-creator: create job: %w", err)
	}
	return nil
}

func boolPtr(b bool) *bool { return &b }

func sbuildArchitecture(ctx context.Context) (string, error) {
	out, err := exec.CommandContext(ctx, "dpkg-architecture", "-qDEB_BUILD_ARCH").Output()
	if err != nil {
		return "", fmt.Errorf("chroot-creator: dpkg-architecture: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// createChrootArgs builds the sbuild-createchroot argument list, exactly
// mirroring create-sbuild-chroot.py's create_chroot: archive mirror and
// components first, then --command-prefix/--include when eatmydata is
// requested, one --alias per build distribution, and an optional
// --make-sbuild-tarball.
func createChrootArgs(distro builder.DistroConfig, baseDir string, suites []string, arch string, include []string, eatmydata bool, tarball string) []string {
	sbuildPath := filepath.Join(baseDir, distro.Chroot)
	args := []string{distro.Name, sbuildPath, distro.ArchiveMirrorURI}
	args = append(args, "--components="+strings.Join(distro.Component, ","))

	if eatmydata {
		args = append(args, "--command-prefix=eatmydata")
		include = append(append([]string{}, include...), "eatmydata")
	}
	if len(include) > 0 {
		args = append(args, "--include="+strings.Join(include, ","))
	}
	for _, suite := range suites {
		args = append(args, fmt.Sprintf("--alias=%s-%s-sbuild", suite, arch))
	}
	if tarball != "" {
		args = append(args, "--make-sbuild-tarball="+tarball)
	}
	return args
}
