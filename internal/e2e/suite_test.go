// Package e2e drives internal/httpapi's full wire surface over real HTTP
// (httptest.Server), wiring the same queueproc/activerun/followup/store
// collaborators production does, but backed by in-memory fakes instead of
// a live database or VCS hosting. It exercises spec §8's testable
// properties end to end rather than unit-by-unit.
package e2e

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestE2E(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "fleetd runner HTTP surface")
}
