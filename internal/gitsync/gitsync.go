// Package gitsync keeps the terraform modules repository checked out and
// up to date on disk.
package gitsync

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/src-d/go-git.v4"
	githttp "gopkg.in/src-d/go-git.v4/plumbing/transport/http"
)

// Syncer clones the modules repository into a base directory, or pulls when
// a checkout already exists.
type Syncer struct {
	repoURL string
	token   string
	baseDir string
	logger  zerolog.Logger
}

func NewSyncer(repoURL, token, baseDir string, logger zerolog.Logger) *Syncer {
	return &Syncer{
		repoURL: repoURL,
		token:   token,
		baseDir: baseDir,
		logger:  logger.With().Str("component", "gitsync").Logger(),
	}
}

// Sync ensures the modules checkout exists and is current. Failures leave
// any existing checkout in place, so callers can treat them as warnings.
func (s *Syncer) Sync() error {
	if s.repoURL == "" {
		s.logger.Debug().Msg("No modules repository configured, skipping sync")
		return nil
	}

	gitOutput := &gitOutputWriter{logger: s.logger.With().Str("component", "git").Logger()}

	if _, err := os.Stat(s.baseDir); os.IsNotExist(err) {
		s.logger.Info().
			Str("clone_url", maskTokenInURL(s.repoURL)).
			Str("base_dir", s.baseDir).
			Msg("Cloning modules repository")

		_, err := git.PlainClone(s.baseDir, false, &git.CloneOptions{
			URL:      s.repoURL,
			Auth:     s.auth(),
			Progress: gitOutput,
		})
		if err != nil {
			return fmt.Errorf("failed to clone modules repository: %w", err)
		}
		s.logger.Info().Str("base_dir", s.baseDir).Msg("Modules repository cloned successfully")
		return nil
	}

	repo, err := git.PlainOpen(s.baseDir)
	if err != nil {
		// Directory exists but is not a checkout; leave it alone.
		s.logger.Warn().Err(err).Str("base_dir", s.baseDir).Msg("Modules directory is not a git checkout, skipping pull")
		return nil
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("failed to open modules worktree: %w", err)
	}

	s.logger.Info().Str("base_dir", s.baseDir).Msg("Pulling modules repository")
	err = worktree.Pull(&git.PullOptions{
		Auth:     s.auth(),
		Progress: gitOutput,
	})
	if err == git.NoErrAlreadyUpToDate {
		s.logger.Debug().Msg("Modules repository already up to date")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to pull modules repository: %w", err)
	}
	s.logger.Info().Str("base_dir", s.baseDir).Msg("Modules repository updated")
	return nil
}

func (s *Syncer) auth() *githttp.BasicAuth {
	if s.token == "" {
		return nil
	}
	return &githttp.BasicAuth{
		Username: "token",
		Password: s.token,
	}
}

func maskTokenInURL(cloneURL string) string {
	u, err := url.Parse(cloneURL)
	if err != nil || u.User == nil {
		return cloneURL
	}
	username := u.User.Username()
	if _, hasToken := u.User.Password(); hasToken {
		u.User = url.UserPassword(username, "****")
		return u.String()
	}
	return cloneURL
}

// gitOutputWriter converts git progress output into log lines
type gitOutputWriter struct {
	logger zerolog.Logger
}

func (w *gitOutputWriter) Write(p []byte) (n int, err error) {
	output := strings.TrimSpace(string(p))
	if output != "" {
		w.logger.Info().Str("progress", output).Msg("Git progress")
	}
	return len(p), nil
}
