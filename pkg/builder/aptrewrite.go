package builder

import (
	"net/url"
	"strings"
)

// rewriteAptLocation turns a cloud-storage URI into its equivalent public
// HTTPS URL so workers (which have no cloud-storage credentials) can reach
// it directly. Only "gs://" (Google Cloud Storage) is recognized today;
// anything else passes through unchanged.
func rewriteAptLocation(location string) string {
	if !strings.HasPrefix(location, "gs://") {
		return location
	}
	u, err := url.Parse(location)
	if err != nil {
		return location
	}
	return "https://storage.googleapis.com/" + u.Host + "/"
}
