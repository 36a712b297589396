package debugdump

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpufusion/executor/kir"
	"github.com/gpufusion/executor/launchparams"
)

func TestLoadExternalSources_EmptyEnvIsNoOverrides(t *testing.T) {
	t.Setenv("EXTERNAL_SRC", "")
	e := LoadExternalSources()
	assert.Equal(t, "generated", e.SourceFor(0, "generated"))
}

func TestSourceFor_ReadsOverrideFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "override.cu")
	require.NoError(t, os.WriteFile(path, []byte("override source"), 0o644))

	t.Setenv("EXTERNAL_SRC", path+",")
	e := LoadExternalSources()
	assert.Equal(t, "override source", e.SourceFor(0, "generated"))
	// second entry is empty -> falls back with a warning, not an error
	assert.Equal(t, "generated", e.SourceFor(1, "generated"))
}

func TestSourceFor_MissingFileFallsBack(t *testing.T) {
	t.Setenv("EXTERNAL_SRC", "/does/not/exist.cu")
	e := LoadExternalSources()
	assert.Equal(t, "generated", e.SourceFor(0, "generated"))
}

func TestSourceFor_IndexBeyondListFallsBack(t *testing.T) {
	t.Setenv("EXTERNAL_SRC", "")
	e := LoadExternalSources()
	assert.Equal(t, "generated", e.SourceFor(5, "generated"))
}

func TestLoadFlags_AllOff(t *testing.T) {
	for _, v := range []string{
		"FUSION_DEBUG_SOURCE", "FUSION_DEBUG_BANK_CONFLICT", "FUSION_DEBUG_ASM",
		"FUSION_DEBUG_LAUNCH_PARAMS", "FUSION_DEBUG_KERNEL_ARGS",
		"FUSION_DEBUG_INDEX_TYPE", "FUSION_DEBUG_OCCUPANCY",
		"FUSION_DEBUG_BANDWIDTH",
	} {
		t.Setenv(v, "")
	}
	f := LoadFlags()
	assert.Equal(t, Flags{}, f)
}

func TestDumpSource_WritesTmpFile(t *testing.T) {
	dir := t.TempDir()
	cwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	defer os.Chdir(cwd)

	f := Flags{}
	require.NoError(t, f.DumpSource("42", "// body"))
	data, err := os.ReadFile("__tmp_kernel_42.cu")
	require.NoError(t, err)
	assert.Equal(t, "// body", string(data))
}

func TestDumpLaunchParams_NoopWhenDisabled(t *testing.T) {
	f := Flags{}
	f.DumpLaunchParams("k", launchparams.LaunchParams{})
}

func TestDumpIndexType_NoopWhenDisabled(t *testing.T) {
	f := Flags{}
	f.DumpIndexType("k", kir.Index32)
}
