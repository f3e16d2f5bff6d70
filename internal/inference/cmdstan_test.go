package inference

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TobiSchelling/rtestimate/internal/apperr"
)

// fakeModel mimics a compiled CmdStan model: it checks the data file and
// writes two draws per chain whose R_param.1 values depend on the chain id.
const fakeModel = `#!/bin/sh
id=0; data=""; out=""; prev=""
for a in "$@"; do
  case "$a" in
    id=*) id=${a#id=} ;;
    file=*)
      if [ "$prev" = "data" ]; then data=${a#file=}; fi
      if [ "$prev" = "output" ]; then out=${a#file=}; fi
      ;;
  esac
  prev=$a
done
grep -q n_sample "$data" || { echo "bad data file" >&2; exit 2; }
{
  echo "# model = SIR_model"
  echo "lp__,accept_stat__,R_param.1,R_param.2,beta"
  echo "-1.5,0.9,$id,10,0.1"
  echo "-1.2,0.8,$((id + 2)),10,0.3"
} > "$out"
`

const failingModel = `#!/bin/sh
echo "Rejecting initial value" >&2
exit 70
`

func writeModel(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script model requires a POSIX shell")
	}
	dir := t.TempDir()
	stanFile := filepath.Join(dir, "SIR.stan")
	require.NoError(t, os.WriteFile(stanFile, []byte("// model\n"), 0o644))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(stanFile, old, old))

	if script != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "SIR"), []byte(script), 0o755))
	}
	return stanFile
}

func TestCmdStanSampleMergesChains(t *testing.T) {
	stanFile := writeModel(t, fakeModel)
	sampler := NewCmdStan("", stanFile, nil)

	summary, err := sampler.Sample(context.Background(), threeDayInput(), DefaultSettings())
	require.NoError(t, err)

	require.Len(t, summary.Entries, 3)
	assert.Equal(t, "R_param[1]", summary.Entries[0].Name)
	assert.InDelta(t, 2.5, summary.Entries[0].Mean, 1e-12)
	assert.GreaterOrEqual(t, summary.Entries[0].Lower, 1.0)
	assert.LessOrEqual(t, summary.Entries[0].Upper, 4.0)
	assert.Equal(t, 10.0, summary.Entries[1].Mean)
}

func TestCmdStanThroughRunner(t *testing.T) {
	stanFile := writeModel(t, fakeModel)
	runner := NewRunner(NewCmdStan("", stanFile, nil), DefaultSettings(), "", nil)

	post, err := runner.Run(context.Background(), threeDayInput())
	require.NoError(t, err)
	require.Len(t, post.Days, 2)
	assert.Equal(t, 1, post.Days[0].Day)
	assert.Equal(t, 2, post.Days[1].Day)
}

func TestCmdStanChainFailure(t *testing.T) {
	stanFile := writeModel(t, failingModel)
	sampler := NewCmdStan("", stanFile, nil)

	_, err := sampler.Sample(context.Background(), threeDayInput(), DefaultSettings())
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindSampler))
	assert.Contains(t, err.Error(), "Rejecting initial value")
}

func TestCmdStanWithoutInstallation(t *testing.T) {
	stanFile := writeModel(t, "")
	sampler := NewCmdStan("", stanFile, nil)

	_, err := sampler.Sample(context.Background(), threeDayInput(), DefaultSettings())
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindSampler))
	assert.Contains(t, err.Error(), "CmdStan installation not found")
}

func TestCmdStanMissingModel(t *testing.T) {
	sampler := NewCmdStan("", filepath.Join(t.TempDir(), "absent.stan"), nil)
	_, err := sampler.Compile(context.Background())
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindSampler))
}

func TestChainArgs(t *testing.T) {
	args := ChainArgs(2, "/tmp/w/data.json", "/tmp/w/output-2.csv", DefaultSettings())
	assert.Equal(t, []string{
		"id=2",
		"random", "seed=123",
		"data", "file=/tmp/w/data.json",
		"output", "file=/tmp/w/output-2.csv",
		"method=sample",
		"num_samples=200",
		"num_warmup=200",
		"thin=2",
	}, args)
}

func TestResolveHome(t *testing.T) {
	assert.Equal(t, "/opt/cmdstan", ResolveHome("/opt/cmdstan"))

	t.Setenv("CMDSTAN", "/env/cmdstan")
	assert.Equal(t, "/env/cmdstan", ResolveHome(""))

	t.Setenv("CMDSTAN", "")
	home := t.TempDir()
	t.Setenv("HOME", home)
	assert.Equal(t, "", ResolveHome(""))

	for _, v := range []string{"cmdstan-2.9.0", "cmdstan-2.33.1", "cmdstan-2.32.2"} {
		require.NoError(t, os.MkdirAll(filepath.Join(home, ".cmdstan", v), 0o755))
	}
	if runtime.GOOS != "windows" {
		assert.Equal(t, filepath.Join(home, ".cmdstan", "cmdstan-2.33.1"), ResolveHome(""))
	}
}

func TestVersionLess(t *testing.T) {
	assert.True(t, versionLess("cmdstan-2.9.0", "cmdstan-2.33.1"))
	assert.False(t, versionLess("cmdstan-2.33.1", "cmdstan-2.32.2"))
	assert.True(t, versionLess("cmdstan-2.33", "cmdstan-2.33.1"))
}
