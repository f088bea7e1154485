package artifact

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/docker/distribution/reference"
	digest "github.com/opencontainers/go-digest"
)

// registryClient speaks the minimal subset of the OCI Distribution HTTP API
// (GET /v2/<name>/manifests/<ref>, GET /v2/<name>/blobs/<digest>) needed to
// resolve a manifest digest and pull its layers. No example in the
// retrieval pack ships a full registry pull client, so this talks the wire
// protocol directly over net/http; reference parsing and digest comparison
// are delegated to the real ecosystem libraries (docker/distribution,
// opencontainers/go-digest) rather than hand-rolled.
type registryClient struct {
	base string
	http *http.Client
}

type ociManifest struct {
	MediaType string `json:"mediaType"`
	Config    struct {
		Digest string `json:"digest"`
	} `json:"config"`
	Layers []ociDescriptor `json:"layers"`
}

type ociDescriptor struct {
	MediaType string `json:"mediaType"`
	Digest    string `json:"digest"`
	Size      int64  `json:"size"`
}

const manifestAcceptHeader = "application/vnd.oci.image.manifest.v1+json, application/vnd.docker.distribution.manifest.v2+json"

func (c *registryClient) manifestURL(named reference.Named) (string, error) {
	tagged, ok := named.(reference.Tagged)
	if ok {
		return fmt.Sprintf("%s/manifests/%s", c.base, tagged.Tag()), nil
	}
	digested, ok := named.(reference.Digested)
	if ok {
		return fmt.Sprintf("%s/manifests/%s", c.base, digested.Digest().String()), nil
	}
	return "", fmt.Errorf("image reference carries neither tag nor digest")
}

func (c *registryClient) fetchManifest(ctx context.Context, named reference.Named) (*ociManifest, digest.Digest, error) {
	u, err := c.manifestURL(named)
	if err != nil {
		return nil, "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Accept", manifestAcceptHeader)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("registry returned %s for manifest %s", resp.Status, u)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", err
	}
	var m ociManifest
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, "", fmt.Errorf("decode manifest: %w", err)
	}

	d := digest.FromBytes(body)
	if hdr := resp.Header.Get("Docker-Content-Digest"); hdr != "" {
		if parsed, perr := digest.Parse(hdr); perr == nil {
			d = parsed
		}
	}
	return &m, d, nil
}

// manifestDigest fetches just enough of the manifest to compare against the
// cache sidecar, without downloading layer blobs.
func (c *registryClient) manifestDigest(ctx context.Context, named reference.Named) (digest.Digest, error) {
	_, d, err := c.fetchManifest(ctx, named)
	return d, err
}

// pullLayers fetches the manifest and every layer blob whose media type is
// in acceptedMediaTypes, returning their raw bytes in manifest order along
// with the manifest's own digest.
func (c *registryClient) pullLayers(ctx context.Context, named reference.Named, acceptedMediaTypes []string) ([][]byte, digest.Digest, error) {
	manifest, manifestDigest, err := c.fetchManifest(ctx, named)
	if err != nil {
		return nil, "", err
	}

	accepted := make(map[string]bool, len(acceptedMediaTypes))
	for _, mt := range acceptedMediaTypes {
		accepted[mt] = true
	}

	var layers [][]byte
	for _, l := range manifest.Layers {
		if len(accepted) > 0 && !accepted[l.MediaType] {
			continue
		}
		blob, err := c.fetchBlob(ctx, l)
		if err != nil {
			return nil, "", err
		}
		layers = append(layers, blob)
	}
	if len(layers) == 0 {
		return nil, "", fmt.Errorf("manifest for %s has no layers matching accepted media types", named.String())
	}
	return layers, manifestDigest, nil
}

func (c *registryClient) fetchBlob(ctx context.Context, desc ociDescriptor) ([]byte, error) {
	u := fmt.Sprintf("%s/blobs/%s", c.base, desc.Digest)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("registry returned %s for blob %s", resp.Status, desc.Digest)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	want, err := digest.Parse(desc.Digest)
	if err == nil {
		if got := digest.FromBytes(body); got != want {
			return nil, fmt.Errorf("blob %s failed digest verification: got %s", desc.Digest, got)
		}
	}
	return body, nil
}
