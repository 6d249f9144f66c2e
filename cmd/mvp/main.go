// MVP: Validate the registry-to-xRegistry flow end-to-end
//
// This is a throwaway spike to validate our assumptions about the libraries.
// It needs a registry on localhost:5050 (docker run -p 5050:5000 registry:2).
// Run with: go run ./cmd/mvp
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"

	"github.com/opencontainers/go-digest"
	"github.com/opencontainers/image-spec/specs-go"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2"
	"oras.land/oras-go/v2/content/memory"
	"oras.land/oras-go/v2/registry/remote"

	"github.com/xregistry/ociwrap"
)

const (
	registryAddr = "localhost:5050"
	repoName     = "ociwrap-test/sample"
	tag          = "v1"
)

func main() {
	ctx := context.Background()

	// Step 1: Push a labeled image to the local registry
	log.Println("=== Step 1: Pushing a labeled image ===")
	manifestDigest, err := pushSample(ctx)
	if err != nil {
		log.Fatalf("push sample: %v", err)
	}
	log.Printf("Pushed %s/%s:%s", registryAddr, repoName, tag)
	log.Printf("Manifest digest: %s", manifestDigest)

	// Step 2: Serve the registry as an xRegistry
	log.Println("\n=== Step 2: Serving the xRegistry facade ===")
	srv, err := ociwrap.New(
		ociwrap.WithBackends([]ociwrap.Backend{{
			Name:        "localreg",
			RegistryURL: "http://" + registryAddr,
		}}),
	)
	if err != nil {
		log.Fatalf("create server: %v", err)
	}
	ts := httptest.NewServer(srv)
	defer ts.Close()
	log.Printf("Facade at %s", ts.URL)

	// Step 3: Walk the projection top-down
	log.Println("\n=== Step 3: Walking the projection ===")
	for _, path := range []string{
		"/",
		"/containerregistries",
		"/containerregistries/localreg/images",
		"/containerregistries/localreg/images/ociwrap-test~sample/versions/v1",
	} {
		doc, err := getJSON(ts.URL + path)
		if err != nil {
			log.Fatalf("GET %s: %v", path, err)
		}
		log.Printf("GET %s -> %d top-level keys", path, len(doc))
	}

	// Step 4: Verify the projected digest matches what we pushed
	log.Println("\n=== Step 4: Verifying the projected digest ===")
	doc, err := getJSON(ts.URL + "/containerregistries/localreg/images/ociwrap-test~sample/versions/v1")
	if err != nil {
		log.Fatalf("GET version: %v", err)
	}
	md, ok := doc["metadata"].(map[string]any)
	if !ok {
		log.Fatalf("FAIL: version document has no metadata object")
	}
	if md["digest"] == manifestDigest {
		log.Println("\n=== SUCCESS: Projected digest matches the pushed manifest! ===")
	} else {
		log.Fatalf("FAIL: digest mismatch.\nExpected: %q\nGot: %q", manifestDigest, md["digest"])
	}
}

// pushSample stages a one-layer image in a memory store and copies it to the
// local registry.
func pushSample(ctx context.Context) (string, error) {
	target, err := remote.NewRepository(fmt.Sprintf("%s/%s", registryAddr, repoName))
	if err != nil {
		return "", fmt.Errorf("new repository: %w", err)
	}
	target.PlainHTTP = true // insecure for local testing

	store := memory.New()

	layer := []byte("sample layer content for the mvp flow")
	layerDesc := ocispec.Descriptor{
		MediaType: ocispec.MediaTypeImageLayerGzip,
		Digest:    digest.FromBytes(layer),
		Size:      int64(len(layer)),
	}
	if err := store.Push(ctx, layerDesc, bytes.NewReader(layer)); err != nil {
		return "", fmt.Errorf("push layer to memstore: %w", err)
	}

	config := map[string]any{
		"architecture": "amd64",
		"os":           "linux",
		"created":      "2024-06-01T12:00:00Z",
		"config": map[string]any{
			"Labels": map[string]string{
				"org.opencontainers.image.description": "MVP sample image",
			},
		},
	}
	configJSON, err := json.Marshal(config)
	if err != nil {
		return "", fmt.Errorf("marshal config: %w", err)
	}
	configDesc := ocispec.Descriptor{
		MediaType: ocispec.MediaTypeImageConfig,
		Digest:    digest.FromBytes(configJSON),
		Size:      int64(len(configJSON)),
	}
	if err := store.Push(ctx, configDesc, bytes.NewReader(configJSON)); err != nil {
		return "", fmt.Errorf("push config to memstore: %w", err)
	}

	manifest := ocispec.Manifest{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: ocispec.MediaTypeImageManifest,
		Config:    configDesc,
		Layers:    []ocispec.Descriptor{layerDesc},
	}
	manifestJSON, err := json.Marshal(manifest)
	if err != nil {
		return "", fmt.Errorf("marshal manifest: %w", err)
	}
	manifestDesc := ocispec.Descriptor{
		MediaType: ocispec.MediaTypeImageManifest,
		Digest:    digest.FromBytes(manifestJSON),
		Size:      int64(len(manifestJSON)),
	}
	if err := store.Push(ctx, manifestDesc, bytes.NewReader(manifestJSON)); err != nil {
		return "", fmt.Errorf("push manifest to memstore: %w", err)
	}

	if err := store.Tag(ctx, manifestDesc, tag); err != nil {
		return "", fmt.Errorf("tag manifest: %w", err)
	}

	desc, err := oras.Copy(ctx, store, tag, target, tag, oras.DefaultCopyOptions)
	if err != nil {
		return "", fmt.Errorf("copy to remote: %w", err)
	}

	return desc.Digest.String(), nil
}

// getJSON fetches a URL and decodes the body as a JSON object.
func getJSON(url string) (map[string]any, error) {
	resp, err := http.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, body)
	}
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}
