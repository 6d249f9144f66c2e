package ident

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xregistry/ociwrap/core"
)

func TestCodecRoundTrip(t *testing.T) {
	t.Parallel()

	repos := []string{
		"nginx",
		"library/nginx",
		"dotnet/runtime",
		"a/b/c",
		"team/sub/project/image",
	}

	for _, repo := range repos {
		t.Run(repo, func(t *testing.T) {
			t.Parallel()
			id := Encode(repo)
			assert.NotContains(t, id, "/")
			assert.Equal(t, repo, Decode(id))
		})
	}
}

func TestEncode(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "library~nginx", Encode("library/nginx"))
	assert.Equal(t, "nginx", Encode("nginx"))
	assert.Equal(t, "a~b~c", Encode("a/b/c"))
}

func TestDecodeParam(t *testing.T) {
	t.Parallel()

	t.Run("plain identifier", func(t *testing.T) {
		t.Parallel()
		repo, err := DecodeParam("library~nginx")
		require.NoError(t, err)
		assert.Equal(t, "library/nginx", repo)
	})

	t.Run("percent encoded", func(t *testing.T) {
		t.Parallel()
		repo, err := DecodeParam("library%7Enginx")
		require.NoError(t, err)
		assert.Equal(t, "library/nginx", repo)
	})

	t.Run("rejects uppercase", func(t *testing.T) {
		t.Parallel()
		_, err := DecodeParam("Library~Nginx")
		require.ErrorIs(t, err, core.ErrInvalidInput)
	})

	t.Run("rejects traversal", func(t *testing.T) {
		t.Parallel()
		_, err := DecodeParam("..~..~etc")
		require.ErrorIs(t, err, core.ErrInvalidInput)
	})

	t.Run("rejects empty", func(t *testing.T) {
		t.Parallel()
		_, err := DecodeParam("")
		require.ErrorIs(t, err, core.ErrInvalidInput)
	})

	t.Run("rejects bad escape", func(t *testing.T) {
		t.Parallel()
		_, err := DecodeParam("nginx%zz")
		require.ErrorIs(t, err, core.ErrInvalidInput)
	})
}

func TestDecodeVersion(t *testing.T) {
	t.Parallel()

	t.Run("tag", func(t *testing.T) {
		t.Parallel()
		v, err := DecodeVersion("1.27-alpine")
		require.NoError(t, err)
		assert.Equal(t, "1.27-alpine", v)
	})

	t.Run("digest", func(t *testing.T) {
		t.Parallel()
		d := "sha256:aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
		v, err := DecodeVersion(d)
		require.NoError(t, err)
		assert.Equal(t, d, v)
	})

	t.Run("rejects slash", func(t *testing.T) {
		t.Parallel()
		_, err := DecodeVersion("v1%2Fv2")
		require.ErrorIs(t, err, core.ErrInvalidInput)
	})

	t.Run("rejects empty", func(t *testing.T) {
		t.Parallel()
		_, err := DecodeVersion("")
		require.ErrorIs(t, err, core.ErrInvalidInput)
	})
}
