package artifact

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"accelrun/core/tensor"
)

const identityManifest = SimMagic + `{"op":"identity","inputs":[{"name":"x","dtype":"f32","shape":[4]}],"outputs":[{"name":"y","dtype":"f32","shape":[4]}]}`

func TestSniff(t *testing.T) {
	cases := map[string]Format{
		"NEFF\x00\x01":      FormatNEFF,
		"ML\xefR\x00MLIR":   FormatStableHLO,
		"\x0a\x04main":      FormatHLOProto,
		SimMagic + "{}":     FormatSim,
		"#!/bin/sh\nexit 0": FormatUnknown,
	}
	for data, want := range cases {
		assert.Equal(t, want, Sniff([]byte(data)), "%q", data)
	}
}

func TestLoadLocalFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.axsim")
	require.NoError(t, os.WriteFile(path, []byte(identityManifest), 0o644))

	exe, err := Load(context.Background(), path, Options{CheckMagic: true})
	require.NoError(t, err)
	assert.Equal(t, FormatSim, exe.Format)
	assert.Equal(t, len(identityManifest), exe.Size())
	assert.Equal(t, Digest([]byte(identityManifest)), exe.Digest)
	require.Len(t, exe.Inputs, 1)
	assert.Equal(t, "x", exe.Inputs[0].Name)
	assert.True(t, exe.Inputs[0].Equal(tensor.MakeSpec("", dtypes.Float32, 4)))
	require.Len(t, exe.Outputs, 1)

	// Bytes hands out a copy.
	b := exe.Bytes()
	b[0] = 'X'
	assert.Equal(t, FormatSim, Sniff(exe.Bytes()))

	exe, err = Load(context.Background(), "file://"+path, Options{})
	require.NoError(t, err)
	assert.Equal(t, FormatSim, exe.Format)
}

func TestLoadFailures(t *testing.T) {
	dir := t.TempDir()
	empty := filepath.Join(dir, "empty")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))
	junk := filepath.Join(dir, "junk")
	require.NoError(t, os.WriteFile(junk, []byte("not an executable"), 0o644))

	ctx := context.Background()
	_, err := Load(ctx, filepath.Join(dir, "missing"), Options{})
	assert.True(t, errors.Is(err, os.ErrNotExist), "%v", err)

	_, err = Load(ctx, empty, Options{})
	assert.True(t, errors.Is(err, ErrEmpty), "%v", err)

	_, err = Load(ctx, junk, Options{CheckMagic: true})
	assert.True(t, errors.Is(err, ErrUnknownFormat), "%v", err)

	_, err = Load(ctx, junk, Options{MaxBytes: 4})
	assert.True(t, errors.Is(err, ErrTooLarge), "%v", err)

	_, err = Load(ctx, junk, Options{WantDigest: "00"})
	assert.True(t, errors.Is(err, ErrDigestMismatch), "%v", err)

	_, err = Load(ctx, dir, Options{})
	assert.Error(t, err)
}

func TestDeclaredSpecsOverrideManifest(t *testing.T) {
	override := []tensor.Spec{tensor.MakeSpec("in", dtypes.Float32, 2, 2)}
	exe, err := FromBytes("inline", []byte(identityManifest), Options{Inputs: override})
	require.NoError(t, err)
	assert.Equal(t, "in", exe.Inputs[0].Name)
	assert.Equal(t, "y", exe.Outputs[0].Name)
}

func TestLoadHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models/identity.axsim" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, identityManifest)
	}))
	defer srv.Close()

	var progress bytes.Buffer
	opts := Options{CacheDir: t.TempDir(), Progress: &progress}
	exe, err := Load(context.Background(), srv.URL+"/models/identity.axsim", opts)
	require.NoError(t, err)
	assert.Equal(t, FormatSim, exe.Format)
	assert.Equal(t, len(identityManifest), progress.Len())

	_, err = Load(context.Background(), srv.URL+"/models/missing", opts)
	assert.True(t, errors.Is(err, os.ErrNotExist), "%v", err)

	entries, err := os.ReadDir(opts.CacheDir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "failed download must not leave files behind")
}

func TestLoadHTTPStopsAtSizeLimit(t *testing.T) {
	chunk := bytes.Repeat([]byte{0x5a}, 4096)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/sized" {
			w.Header().Set("Content-Length", "1048576")
		}
		for i := 0; i < 256; i++ {
			if _, err := w.Write(chunk); err != nil {
				return
			}
			if f, ok := w.(http.Flusher); ok && r.URL.Path != "/sized" {
				f.Flush()
			}
		}
	}))
	defer srv.Close()

	for _, path := range []string{"/streamed", "/sized"} {
		var progress bytes.Buffer
		opts := Options{CacheDir: t.TempDir(), Progress: &progress, MaxBytes: 1024}
		_, err := Load(context.Background(), srv.URL+path, opts)
		assert.True(t, errors.Is(err, ErrTooLarge), "%s: %v", path, err)
		assert.LessOrEqual(t, progress.Len(), 1025, "%s read past the limit", path)

		entries, err := os.ReadDir(opts.CacheDir)
		require.NoError(t, err)
		assert.Empty(t, entries, "%s left a partial download", path)
	}
}
