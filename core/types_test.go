package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatTime(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   time.Time
		want string
	}{
		{
			name: "utc with millis",
			in:   time.Date(2024, 1, 15, 10, 30, 0, 123_000_000, time.UTC),
			want: "2024-01-15T10:30:00.123Z",
		},
		{
			name: "non-utc is normalized",
			in:   time.Date(2024, 1, 15, 11, 30, 0, 0, time.FixedZone("CET", 3600)),
			want: "2024-01-15T10:30:00.000Z",
		},
		{
			name: "sub-millisecond precision truncated",
			in:   time.Date(2024, 6, 1, 0, 0, 0, 999_999, time.UTC),
			want: "2024-06-01T00:00:00.000Z",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, FormatTime(tt.in))
		})
	}
}

func TestDefaultTag(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		tags []string
		want string
	}{
		{name: "latest wins", tags: []string{"1.0", "latest", "2.0"}, want: "latest"},
		{name: "first tag otherwise", tags: []string{"8.0", "9.0"}, want: "8.0"},
		{name: "empty list", tags: nil, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, DefaultTag(tt.tags))
		})
	}
}

func TestBackend(t *testing.T) {
	t.Parallel()

	t.Run("catalog enabled by default path", func(t *testing.T) {
		t.Parallel()
		b := Backend{Name: "local", RegistryURL: "http://localhost:5000", CatalogPath: "/v2/_catalog"}
		assert.True(t, b.CatalogEnabled())
	})

	t.Run("catalog disabled", func(t *testing.T) {
		t.Parallel()
		b := Backend{Name: "dockerhub", CatalogPath: CatalogDisabled}
		assert.False(t, b.CatalogEnabled())
	})

	t.Run("host extraction", func(t *testing.T) {
		t.Parallel()
		b := Backend{RegistryURL: "https://registry-1.docker.io"}
		assert.Equal(t, "registry-1.docker.io", b.Host())
		assert.True(t, b.IsDockerHub())

		b = Backend{RegistryURL: "http://localhost:5000"}
		assert.Equal(t, "localhost:5000", b.Host())
		assert.False(t, b.IsDockerHub())
	})

	t.Run("credentials", func(t *testing.T) {
		t.Parallel()
		assert.False(t, Backend{}.HasCredentials())
		assert.True(t, Backend{Username: "bob"}.HasCredentials())
		assert.True(t, Backend{Password: Secret("tok")}.HasCredentials())
	})
}
