package backends

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xregistry/ociwrap/core"
)

func TestNewDefaults(t *testing.T) {
	t.Parallel()

	table, err := New(nil, "")
	require.NoError(t, err)

	assert.Equal(t, 1, table.Len())
	b, err := table.Get("dockerhub")
	require.NoError(t, err)
	assert.Equal(t, "https://registry-1.docker.io", b.RegistryURL)
	assert.False(t, b.CatalogEnabled())
}

func TestNewFileListReplacesDefaults(t *testing.T) {
	t.Parallel()

	table, err := New([]core.Backend{
		{Name: "local", RegistryURL: "http://localhost:5000"},
	}, "")
	require.NoError(t, err)

	assert.Equal(t, []string{"local"}, table.Names())
	_, err = table.Get("dockerhub")
	assert.ErrorIs(t, err, core.ErrBackendUnknown)

	b, err := table.Get("local")
	require.NoError(t, err)
	assert.Equal(t, DefaultCatalogPath, b.CatalogPath, "catalog path defaults when omitted")
}

func TestNewEnvReplacesEverything(t *testing.T) {
	t.Parallel()

	envJSON := `[{"name":"mirror","registryUrl":"https://mirror.example.com","username":"svc","password":"s3cret","catalogPath":"/v2/_catalog"}]`

	table, err := New([]core.Backend{
		{Name: "local", RegistryURL: "http://localhost:5000"},
	}, envJSON)
	require.NoError(t, err)

	assert.Equal(t, []string{"mirror"}, table.Names())
	b, err := table.Get("mirror")
	require.NoError(t, err)
	assert.Equal(t, "svc", b.Username)
	assert.Equal(t, "s3cret", b.Password.Reveal())

	_, err = table.Get("local")
	assert.ErrorIs(t, err, core.ErrBackendUnknown)
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		list []core.Backend
	}{
		{
			name: "missing name",
			list: []core.Backend{{RegistryURL: "http://localhost:5000"}},
		},
		{
			name: "bad url",
			list: []core.Backend{{Name: "x", RegistryURL: "://nope"}},
		},
		{
			name: "bad scheme",
			list: []core.Backend{{Name: "x", RegistryURL: "ftp://host"}},
		},
		{
			name: "duplicate names",
			list: []core.Backend{
				{Name: "x", RegistryURL: "http://a:5000"},
				{Name: "x", RegistryURL: "http://b:5000"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := New(tt.list, "")
			assert.Error(t, err)
		})
	}

	t.Run("bad env json", func(t *testing.T) {
		t.Parallel()
		_, err := New(nil, "{not json")
		assert.Error(t, err)
	})
}

func TestNormalization(t *testing.T) {
	t.Parallel()

	table, err := New([]core.Backend{
		{Name: "a", RegistryURL: "https://r.example.com/", CatalogPath: "v2/custom"},
		{Name: "b", RegistryURL: "https://r2.example.com", CatalogPath: "disabled"},
	}, "")
	require.NoError(t, err)

	a, err := table.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "https://r.example.com", a.RegistryURL, "trailing slash trimmed")
	assert.Equal(t, "/v2/custom", a.CatalogPath, "leading slash added")

	b, err := table.Get("b")
	require.NoError(t, err)
	assert.False(t, b.CatalogEnabled())
}

func TestCredentialFor(t *testing.T) {
	t.Parallel()

	table, err := New([]core.Backend{
		{Name: "auth", RegistryURL: "https://r.example.com", Username: "u", Password: core.Secret("p")},
		{Name: "anon", RegistryURL: "https://open.example.com"},
	}, "")
	require.NoError(t, err)

	user, pass, ok := table.CredentialFor("r.example.com")
	require.True(t, ok)
	assert.Equal(t, "u", user)
	assert.Equal(t, "p", pass.Reveal())

	_, _, ok = table.CredentialFor("open.example.com")
	assert.False(t, ok, "anonymous backend has no credentials")

	_, _, ok = table.CredentialFor("unknown.example.com")
	assert.False(t, ok)
}
