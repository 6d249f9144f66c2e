// Package ociwrap projects OCI Distribution registries as a read-only
// xRegistry 1.0 service.
//
// Each configured registry backend appears as one containerregistries
// group, its repositories as image resources and its tags as versions.
// Entity documents carry the image metadata extracted from the OCI
// manifest and config blob (platforms, layers, labels, build history).
//
// # Basic Usage
//
// Create a server and mount it; the zero configuration serves Docker Hub:
//
//	srv, err := ociwrap.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	http.ListenAndServe(":8080", srv)
//
// Point it at other registries with WithBackends:
//
//	srv, err := ociwrap.New(ociwrap.WithBackends([]ociwrap.Backend{
//	    {Name: "ghcr", RegistryURL: "https://ghcr.io"},
//	    {Name: "internal", RegistryURL: "https://registry.corp.example",
//	        Username: "ci", Password: ociwrap.Secret(os.Getenv("REGISTRY_TOKEN"))},
//	}))
//
// # Authentication
//
// Upstream credentials are carried per backend. Tokens are negotiated
// against the registry's auth service on demand and never appear in
// responses or logs. The served API itself is anonymous unless bearer
// keys are configured with WithAPIKeys.
//
// # Caching
//
// Version projections are cached on disk when WithCacheDir is set, so
// repeated reads skip the upstream manifest and config fetches. Cached
// documents are keyed by backend, repository and reference; Purge or the
// CachePrune helpers reclaim the space.
package ociwrap
