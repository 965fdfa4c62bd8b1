// Package backup invokes the restic engine and manages run lifecycle.
package backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/rs/zerolog"

	"github.com/rewindhq/rewind/internal/excludes"
	"github.com/rewindhq/rewind/internal/models"
)

// ErrEngineNotFound is returned when the restic binary is missing or could
// not be started.
var ErrEngineNotFound = errors.New("backup engine not found")

// ErrNoRepository is returned when resolved settings carry no repository URL.
var ErrNoRepository = errors.New("no repository configured")

// RepoConfig holds the repository connection parameters resolved from
// settings. Never embedded in job definitions.
type RepoConfig struct {
	Repository string
	Password   string
	CacheDir   string
}

// RepoConfigFromSettings resolves the repository connection from settings.
func RepoConfigFromSettings(s models.Settings) (RepoConfig, error) {
	cfg := RepoConfig{
		Repository: s.String(models.SettingRepositoryURL, ""),
		Password:   s.String(models.SettingRepositoryPassword, ""),
		CacheDir:   s.String(models.SettingRepositoryCacheDir, ""),
	}
	if cfg.Repository == "" {
		return RepoConfig{}, ErrNoRepository
	}
	return cfg, nil
}

// Result captures one engine invocation.
type Result struct {
	ExitCode   int
	Stdout     []byte
	Stderr     []byte
	StartedAt  time.Time
	FinishedAt time.Time
}

// Restic wraps the restic CLI.
type Restic struct {
	binary string
	logger zerolog.Logger
}

// NewRestic creates a Restic wrapper. An empty binary path falls back to
// "restic" resolved from PATH.
func NewRestic(binary string, logger zerolog.Logger) *Restic {
	if binary == "" {
		binary = "restic"
	}
	return &Restic{
		binary: binary,
		logger: logger.With().Str("component", "restic").Logger(),
	}
}

// Backup runs `restic backup` for the job. Repository connection parameters
// travel via environment, everything else via arguments. A non-zero exit is
// reported through Result.ExitCode, not as an error; the returned error is
// non-nil only when the engine could not start or the context was
// cancelled.
func (r *Restic) Backup(ctx context.Context, cfg RepoConfig, job *models.BackupJob) (*Result, error) {
	binary, err := exec.LookPath(r.binary)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrEngineNotFound, r.binary, err)
	}

	patterns := append(excludes.Resolve(job.Metadata[excludes.MetadataKey]), job.ExcludePatterns...)

	args := []string{"backup", "--json"}
	for _, exclude := range patterns {
		args = append(args, "--exclude", exclude)
	}
	for _, tag := range job.AllTags() {
		args = append(args, "--tag", tag)
	}
	args = append(args, job.ExtraArgs...)
	args = append(args, job.SourcePaths...)

	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Env = append(cmd.Environ(),
		fmt.Sprintf("RESTIC_REPOSITORY=%s", cfg.Repository),
		fmt.Sprintf("RESTIC_PASSWORD=%s", cfg.Password),
	)
	if cfg.CacheDir != "" {
		cmd.Env = append(cmd.Env, fmt.Sprintf("RESTIC_CACHE_DIR=%s", cfg.CacheDir))
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.logger.Info().
		Str("job_id", job.ID.String()).
		Str("job_name", job.Name).
		Strs("paths", job.SourcePaths).
		Strs("excludes", patterns).
		Msg("starting backup")

	res := &Result{StartedAt: time.Now()}
	runErr := cmd.Run()
	res.FinishedAt = time.Now()
	res.Stdout = stdout.Bytes()
	res.Stderr = stderr.Bytes()

	if runErr != nil {
		if ctx.Err() != nil {
			// CommandContext already killed the child.
			return res, ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			r.logger.Warn().
				Str("job_id", job.ID.String()).
				Int("exit_code", res.ExitCode).
				Msg("backup engine exited non-zero")
			return res, nil
		}
		return res, fmt.Errorf("%w: %v", ErrEngineNotFound, runErr)
	}

	r.logger.Info().
		Str("job_id", job.ID.String()).
		Dur("duration", res.FinishedAt.Sub(res.StartedAt)).
		Msg("backup engine finished")
	return res, nil
}
