package inference

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/TobiSchelling/rtestimate/internal/apperr"
	"github.com/TobiSchelling/rtestimate/internal/modelinput"
)

// CmdStan samples a Stan model through a local CmdStan installation. The
// model is compiled on first use; CmdStan keeps the executable next to the
// .stan file and later runs reuse it while it is newer than the source.
type CmdStan struct {
	home     string
	stanFile string
	logger   *zap.Logger
}

// NewCmdStan creates a sampler for stanFile. home is the CmdStan
// installation and may be empty when the model is already compiled.
func NewCmdStan(home, stanFile string, logger *zap.Logger) *CmdStan {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CmdStan{home: home, stanFile: stanFile, logger: logger}
}

// ResolveHome picks the CmdStan installation: the configured path, then
// $CMDSTAN, then the newest ~/.cmdstan/cmdstan-* directory. It returns ""
// when none is found.
func ResolveHome(configured string) string {
	if configured != "" {
		return configured
	}
	if env := os.Getenv("CMDSTAN"); env != "" {
		return env
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	matches, _ := filepath.Glob(filepath.Join(home, ".cmdstan", "cmdstan-*"))
	if len(matches) == 0 {
		return ""
	}
	sort.Slice(matches, func(i, j int) bool {
		return versionLess(filepath.Base(matches[i]), filepath.Base(matches[j]))
	})
	return matches[len(matches)-1]
}

// versionLess orders "cmdstan-2.9.0" before "cmdstan-2.33.1".
func versionLess(a, b string) bool {
	pa := strings.Split(strings.TrimPrefix(a, "cmdstan-"), ".")
	pb := strings.Split(strings.TrimPrefix(b, "cmdstan-"), ".")
	for i := 0; i < len(pa) && i < len(pb); i++ {
		na, errA := strconv.Atoi(pa[i])
		nb, errB := strconv.Atoi(pb[i])
		if errA != nil || errB != nil {
			if pa[i] != pb[i] {
				return pa[i] < pb[i]
			}
			continue
		}
		if na != nb {
			return na < nb
		}
	}
	return len(pa) < len(pb)
}

// Executable returns the path of the compiled model.
func (c *CmdStan) Executable() string {
	exe := strings.TrimSuffix(c.stanFile, ".stan")
	if runtime.GOOS == "windows" {
		exe += ".exe"
	}
	return exe
}

// Compile builds the model executable unless an up-to-date one exists and
// returns its absolute path.
func (c *CmdStan) Compile(ctx context.Context) (string, error) {
	src, err := os.Stat(c.stanFile)
	if err != nil {
		return "", apperr.Sampler("compile", "model definition not found", err)
	}

	exe, err := filepath.Abs(c.Executable())
	if err != nil {
		return "", apperr.Sampler("compile", "resolving model path", err)
	}
	if info, err := os.Stat(exe); err == nil && info.ModTime().After(src.ModTime()) {
		c.logger.Debug("model executable up to date", zap.String("exe", exe))
		return exe, nil
	}

	if c.home == "" {
		return "", apperr.Sampler("compile",
			"CmdStan installation not found; set sampler.cmdstan_path or $CMDSTAN", nil)
	}

	c.logger.Info("compiling model", zap.String("stan_file", c.stanFile), zap.String("cmdstan", c.home))

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "make", "-C", c.home, filepath.ToSlash(exe))
	cmd.Stderr = &stderr
	if out, err := cmd.Output(); err != nil {
		c.logger.Debug("make output", zap.ByteString("stdout", out))
		return "", apperr.Sampler("compile", "make failed: "+tail(stderr.String()), err)
	}
	return exe, nil
}

// Sample compiles the model if needed, runs one process per chain and
// summarizes the merged draws.
func (c *CmdStan) Sample(ctx context.Context, in *modelinput.Input, settings Settings) (*Summary, error) {
	exe, err := c.Compile(ctx)
	if err != nil {
		return nil, err
	}

	workDir, err := os.MkdirTemp("", "rtestimate-*")
	if err != nil {
		return nil, apperr.Sampler("sample", "creating work directory", err)
	}
	defer os.RemoveAll(workDir)

	dataPath := filepath.Join(workDir, "data.json")
	if err := in.WriteJSON(dataPath); err != nil {
		return nil, apperr.Sampler("sample", "writing data file", err)
	}

	outputs := make([]string, settings.Chains)
	for i := range outputs {
		outputs[i] = filepath.Join(workDir, fmt.Sprintf("output-%d.csv", i+1))
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := range outputs {
		chain := i + 1
		g.Go(func() error {
			return c.runChain(gctx, exe, workDir, ChainArgs(chain, dataPath, outputs[chain-1], settings))
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	chains := make([]*Draws, len(outputs))
	for i, path := range outputs {
		d, err := ReadDrawsFile(path)
		if err != nil {
			return nil, apperr.Sampler("sample", fmt.Sprintf("reading chain %d output", i+1), err)
		}
		chains[i] = d
	}
	merged, err := Merge(chains...)
	if err != nil {
		return nil, apperr.Sampler("sample", "merging chains", err)
	}

	c.logger.Info("sampling complete", zap.Int("chains", len(chains)), zap.Int("draws", len(merged.Rows)))
	return Summarize(merged), nil
}

// ChainArgs builds the command line of one chain. Chains share the seed
// and differ by id, which CmdStan uses to advance the RNG stream.
func ChainArgs(chain int, dataPath, outputPath string, s Settings) []string {
	return []string{
		"id=" + strconv.Itoa(chain),
		"random", "seed=" + strconv.FormatInt(s.Seed, 10),
		"data", "file=" + dataPath,
		"output", "file=" + outputPath,
		"method=sample",
		"num_samples=" + strconv.Itoa(s.Samples),
		"num_warmup=" + strconv.Itoa(s.Warmup),
		"thin=" + strconv.Itoa(s.Thin),
	}
}

func (c *CmdStan) runChain(ctx context.Context, exe, dir string, args []string) error {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, exe, args...)
	cmd.Dir = dir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	c.logger.Debug("starting chain", zap.String("exe", exe), zap.Strings("args", args))
	if err := cmd.Run(); err != nil {
		return apperr.Sampler("sample", fmt.Sprintf("%s (%s) failed: %s", filepath.Base(exe), args[0], tail(stderr.String())), err)
	}
	c.logger.Debug("chain finished", zap.String("chain", args[0]), zap.Int("stdout_bytes", stdout.Len()))
	return nil
}

// tail keeps the last lines of process output for error messages.
func tail(s string) string {
	s = strings.TrimSpace(s)
	lines := strings.Split(s, "\n")
	if len(lines) > 10 {
		lines = lines[len(lines)-10:]
	}
	if s == "" {
		return "no output"
	}
	return strings.Join(lines, "\n")
}
