package edgeguard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hyperengineering/edgeguard/internal/logging"
	"github.com/sethvargo/go-retry"
)

// RuleManifest describes the rule version the cloud authority currently
// publishes.
type RuleManifest struct {
	Version   string    `json:"version"`
	Checksum  string    `json:"checksum"`
	Timestamp time.Time `json:"timestamp"`
	Changelog string    `json:"changelog,omitempty"`
}

// RuleAuthority is the cloud source of rule versions.
// Implementations must be safe for concurrent use.
type RuleAuthority interface {
	// FetchManifest returns the currently published version.
	FetchManifest(ctx context.Context) (*RuleManifest, error)

	// FetchRules returns every rule of version, each carrying its checksum.
	FetchRules(ctx context.Context, version string) ([]RuleSnapshot, error)
}

// RefreshJob pulls the published rule version and applies it when it
// differs from the active one.
type RefreshJob struct {
	rules     *RuleStore
	sync      *SyncMachine
	authority RuleAuthority
	logger    *slog.Logger

	retryBase  time.Duration
	maxRetries uint64
}

// NewRefreshJob returns a refresh job. authority may be nil, in which case
// every run reports ErrOffline.
func NewRefreshJob(rules *RuleStore, sync *SyncMachine, authority RuleAuthority, logger *slog.Logger) *RefreshJob {
	return &RefreshJob{
		rules:      rules,
		sync:       sync,
		authority:  authority,
		logger:     logging.Component(logger, "refresh"),
		retryBase:  500 * time.Millisecond,
		maxRetries: 3,
	}
}

// RunOnce performs one refresh. It reports whether a new version was
// applied. Any failure leaves the previously active version in place.
func (j *RefreshJob) RunOnce(ctx context.Context) (bool, error) {
	if j.authority == nil || !j.sync.CanRefresh() {
		return false, ErrOffline
	}

	var manifest *RuleManifest
	err := j.retry(ctx, func(ctx context.Context) error {
		m, err := j.authority.FetchManifest(ctx)
		if err != nil {
			return err
		}
		manifest = m
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("refresh: fetch manifest: %w", err)
	}
	if manifest.Version == "" {
		return false, fmt.Errorf("refresh: %w", &ValidationError{Field: "version", Message: "manifest has no version"})
	}

	active := j.rules.ActiveVersion()
	if active == manifest.Version {
		if j.sync.State().LastRuleVersion == manifest.Version {
			return false, nil
		}
		// Applied out of band, e.g. from a bundle.
		return false, j.sync.RecordRuleRefresh(ctx, manifest.Version)
	}

	var rules []RuleSnapshot
	err = j.retry(ctx, func(ctx context.Context) error {
		r, err := j.authority.FetchRules(ctx, manifest.Version)
		if err != nil {
			return err
		}
		rules = r
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("refresh: fetch rules %s: %w", manifest.Version, err)
	}

	rec := RuleVersionRecord{
		Version:   manifest.Version,
		Timestamp: manifest.Timestamp,
		Checksum:  manifest.Checksum,
		Changelog: manifest.Changelog,
	}
	if err := j.rules.ApplyVersion(ctx, rec, rules); err != nil {
		return false, fmt.Errorf("refresh: %w", err)
	}
	if err := j.sync.RecordRuleRefresh(ctx, manifest.Version); err != nil {
		return true, err
	}

	j.logger.Info("rules refreshed", "version", manifest.Version, "previous", active, "rules", len(rules))
	return true, nil
}

// Run refreshes every interval until ctx is done. Errors are logged.
func (j *RefreshJob) Run(ctx context.Context, interval, timeout time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		runCtx, cancel := context.WithTimeout(ctx, timeout)
		_, err := j.RunOnce(runCtx)
		cancel()
		switch {
		case err == nil, errors.Is(err, ErrOffline):
		case ctx.Err() != nil:
			return nil
		default:
			j.logger.Warn("rule refresh failed", "error", err)
		}
	}
}

// retry runs fn with exponential backoff while it fails transiently.
func (j *RefreshJob) retry(ctx context.Context, fn func(context.Context) error) error {
	b := retry.WithMaxRetries(j.maxRetries, retry.NewExponential(j.retryBase))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := fn(ctx)
		if err != nil && isTransient(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

// isTransient reports whether a cloud call may succeed if repeated:
// transport failures, throttling and server errors.
func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var ce *CloudError
	if !errors.As(err, &ce) {
		return false
	}
	return ce.StatusCode == 0 || ce.StatusCode == http.StatusTooManyRequests || ce.StatusCode >= 500
}
