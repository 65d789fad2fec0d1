// Package zone discovers the compute zone the client runs in.
package zone

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jacktea/gcsfs/pkg/xerrors"
)

// Provider reports the zone of the current host, e.g. "us-east1-b".
type Provider interface {
	Zone(ctx context.Context) (string, error)
}

// Static always reports a fixed zone.
type Static struct {
	Value string
}

// Zone implements Provider.
func (s Static) Zone(ctx context.Context) (string, error) {
	return s.Value, nil
}

const metadataZoneURL = "http://metadata.google.internal/computeMetadata/v1/instance/zone"

// Metadata queries the GCE metadata server for the instance zone.
type Metadata struct {
	// Client overrides the HTTP client; nil uses a short-timeout default.
	Client *http.Client
	// URL overrides the metadata endpoint, for tests.
	URL string
}

// Zone implements Provider. The metadata server responds with a full
// resource path ("projects/<n>/zones/us-east1-b"); only the final element
// is returned.
func (m Metadata) Zone(ctx context.Context) (string, error) {
	url := m.URL
	if url == "" {
		url = metadataZoneURL
	}
	client := m.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Metadata-Flavor", "Google")
	resp, err := client.Do(req)
	if err != nil {
		return "", xerrors.Wrap(xerrors.KindUnavailable, "zone", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", xerrors.Errorf(xerrors.KindUnavailable,
			"metadata server responded with %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 512))
	if err != nil {
		return "", err
	}
	path := strings.TrimSpace(string(body))
	if path == "" {
		return "", fmt.Errorf("metadata server returned an empty zone")
	}
	if idx := strings.LastIndexByte(path, '/'); idx >= 0 {
		path = path[idx+1:]
	}
	return path, nil
}

// Region truncates a zone at its final "-": "us-east1-b" becomes "us-east1".
func Region(zone string) string {
	if idx := strings.LastIndexByte(zone, '-'); idx >= 0 {
		return zone[:idx]
	}
	return zone
}
