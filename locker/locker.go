// Package locker drives the claim-and-hold cycle for the protected
// vanity code. Each cycle strips elevated permissions, hammers the
// protected write through rate limits and step-up challenges under a
// bounded attempt budget, reports the outcome, restores permissions,
// and schedules the next cycle. The loop is timer-driven and runs
// until its context is cancelled.
package locker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nmoreau/vanitylock/discord"
	"github.com/nmoreau/vanitylock/journal"
	"github.com/nmoreau/vanitylock/notify"
	"github.com/nmoreau/vanitylock/stepup"
)

const (
	// bootstrapRetry is the pause after a failed initialization before
	// the whole bootstrap is retried. Startup failures never crash the
	// process.
	bootstrapRetry = 10 * time.Second

	// tokenRenewal is how often the prewarmed challenge token is
	// refreshed between cycles.
	tokenRenewal = 5 * time.Minute

	// transientPause spaces attempts after a transport error or an
	// explicit rejection.
	transientPause = 1 * time.Second

	// malformedPause spaces attempts after an unparseable body.
	malformedPause = 2 * time.Second

	// restoreBudget bounds permission restoration when the run context
	// is already gone; restoration must still happen.
	restoreBudget = 2 * time.Minute
)

// VanityClient is the remote-API surface the loop needs.
type VanityClient interface {
	SetVanity(ctx context.Context, guildID, code, mfaToken string, timeout time.Duration) (discord.WriteOutcome, error)
	CurrentUser(ctx context.Context) (*discord.User, error)
	Guild(ctx context.Context, guildID string) (*discord.Guild, error)
}

// ChallengeResolver completes a step-up challenge for a ticket.
type ChallengeResolver interface {
	Resolve(ctx context.Context, ticket string) (stepup.Resolution, error)
}

// PermissionGuard brackets a cycle with disable/enable.
type PermissionGuard interface {
	Disable(ctx context.Context) (int, error)
	Enable(ctx context.Context) (int, error)
}

// Poster is the fire-and-forget notification sink.
type Poster interface {
	Post(msg notify.Message)
}

// Config tunes one Locker.
type Config struct {
	GuildID        string
	VanityCode     string
	MaxAttempts    int
	AttemptTimeout time.Duration
	// SuccessDelay schedules the next cycle after a successful hold;
	// FailureDelay after exhaustion. A rate-limited cycle reschedules
	// at the server-provided delay instead.
	SuccessDelay time.Duration
	FailureDelay time.Duration
	NotifyColor  int
	NotifyFooter string
}

// Locker owns the session context: the authentication method, the
// recent challenge token, and the collaborators for one target guild.
type Locker struct {
	client      VanityClient
	guard       PermissionGuard
	notifier    Poster
	journal     journal.Journal
	cfg         Config
	logger      *slog.Logger
	resolverFor ResolverFactory
	offsetFor   OffsetFunc

	// Session state, established by bootstrap.
	method   discord.Method
	resolver ChallengeResolver

	// recentToken is the challenge token attached to writes. Guarded
	// for the multi-threaded runtime even though the loop itself is a
	// single flow of control.
	tokenMu      sync.Mutex
	recentToken  string
	tokenIssued  time.Time
	sleep        func(ctx context.Context, d time.Duration) error
	transientGap time.Duration
	malformedGap time.Duration
}

// ResolverFactory builds the session's challenge resolver once the
// authentication method and clock offset are known.
type ResolverFactory func(method discord.Method, offsetSeconds int64) ChallengeResolver

// OffsetFunc estimates the clock offset at bootstrap.
type OffsetFunc func(ctx context.Context) int64

// New builds a Locker.
func New(client VanityClient, g PermissionGuard, n Poster, j journal.Journal, resolverFor ResolverFactory, offsetFor OffsetFunc, cfg Config, logger *slog.Logger) *Locker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.NotifyColor == 0 {
		cfg.NotifyColor = notify.DefaultColor
	}
	if j == nil {
		j = journal.NewMemory()
	}
	return &Locker{
		client:       client,
		guard:        g,
		notifier:     n,
		journal:      j,
		cfg:          cfg,
		logger:       logger.With("component", "locker"),
		resolverFor:  resolverFor,
		offsetFor:    offsetFor,
		sleep:        waitCtx,
		transientGap: transientPause,
		malformedGap: malformedPause,
	}
}

// Run bootstraps the session and then runs cycles until ctx is done.
// Bootstrap failures retry forever at a fixed pace; nothing escalates
// to a process exit.
func (l *Locker) Run(ctx context.Context) error {
	for {
		if err := l.bootstrap(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.logger.Error("initialization failed; retrying", "error", err, "retry_in", bootstrapRetry)
			if err := l.sleep(ctx, bootstrapRetry); err != nil {
				return err
			}
			continue
		}
		break
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		l.maybeRenewToken(ctx)

		entry := l.runCycle(ctx)
		if err := l.journal.Append(entry); err != nil {
			l.logger.Warn("journal append failed", "error", err)
		}

		delay := l.nextDelay(entry)
		l.logger.Info("cycle complete",
			"cycle", entry.ID,
			"outcome", string(entry.Outcome),
			"attempts", entry.Attempts,
			"next_in", delay)
		if err := l.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// bootstrap probes identity and guild access, estimates clock offset,
// fixes the session's authentication method, and prewarms a challenge
// token so the first cycle does not pay the challenge round trip.
func (l *Locker) bootstrap(ctx context.Context) error {
	user, err := l.client.CurrentUser(ctx)
	if err != nil {
		return fmt.Errorf("identity probe: %w", err)
	}
	l.method = discord.MethodPassword
	if user.MFAEnabled {
		l.method = discord.MethodTOTP
	}
	l.logger.Info("session established", "user", user.Username, "method", string(l.method))

	if _, err := l.client.Guild(ctx, l.cfg.GuildID); err != nil {
		return fmt.Errorf("guild probe: %w", err)
	}

	var offset int64
	if l.offsetFor != nil {
		offset = l.offsetFor(ctx)
	}
	l.resolver = l.resolverFor(l.method, offset)

	// Best effort: a failed prewarm is not fatal, the cycle loop
	// resolves challenges as they come.
	if err := l.refreshToken(ctx); err != nil {
		l.logger.Warn("token prewarm failed", "error", err)
	}
	return nil
}

// refreshToken issues a probe write to provoke a challenge and, if one
// arrives, resolves it and stores the issued token.
func (l *Locker) refreshToken(ctx context.Context) error {
	outcome, err := l.client.SetVanity(ctx, l.cfg.GuildID, l.cfg.VanityCode, "", l.cfg.AttemptTimeout)
	if err != nil {
		return err
	}
	switch outcome.Kind {
	case discord.OutcomeSuccess:
		// The write went through without step-up; nothing to prewarm.
		l.setToken("")
		return nil
	case discord.OutcomeChallengeRequired:
		res, err := l.resolver.Resolve(ctx, outcome.Ticket)
		if err != nil {
			return err
		}
		if res.Status != stepup.Completed {
			return fmt.Errorf("prewarm resolution: %s", res.Status)
		}
		l.setToken(res.Token)
		return nil
	default:
		return fmt.Errorf("probe write: %s (status %d)", outcome.Kind, outcome.Status)
	}
}

// maybeRenewToken refreshes the prewarmed token between cycles once it
// is older than the renewal interval.
func (l *Locker) maybeRenewToken(ctx context.Context) {
	if l.token() == "" || time.Since(l.tokenIssuedAt()) < tokenRenewal {
		return
	}
	if err := l.refreshToken(ctx); err != nil {
		l.logger.Warn("token renewal failed", "error", err)
	}
}

// runCycle executes one full disable → attempt loop → notify → enable
// sequence and reports the journal entry. Permissions are restored on
// every exit path, including context cancellation mid-loop.
func (l *Locker) runCycle(ctx context.Context) journal.Entry {
	entry := journal.Entry{
		ID:        uuid.NewString(),
		StartedAt: time.Now().UTC(),
		Outcome:   journal.OutcomeExhausted,
	}

	if n, err := l.guard.Disable(ctx); err != nil {
		l.logger.Warn("permission disable failed", "cycle", entry.ID, "error", err)
	} else {
		l.logger.Info("permissions suspended", "cycle", entry.ID, "roles", n)
	}

	entry.Outcome, entry.Attempts, entry.RetryAfter = l.attemptLoop(ctx)

	l.notifyOutcome(entry)

	// Restoration must run even when ctx is already cancelled; it gets
	// its own bounded context detached from the run's cancellation.
	restoreCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), restoreBudget)
	defer cancel()
	if n, err := l.guard.Enable(restoreCtx); err != nil {
		l.logger.Warn("permission restore failed", "cycle", entry.ID, "error", err)
	} else {
		l.logger.Info("permissions restored", "cycle", entry.ID, "roles", n)
	}
	return entry
}

// attemptLoop is the bounded write loop. It returns the terminal
// outcome, how many attempts were consumed, and the server delay when
// rate-limited.
func (l *Locker) attemptLoop(ctx context.Context) (journal.Outcome, int, time.Duration) {
	attempts := 0
	for attempts < l.cfg.MaxAttempts {
		if ctx.Err() != nil {
			break
		}
		attempts++

		outcome, err := l.client.SetVanity(ctx, l.cfg.GuildID, l.cfg.VanityCode, l.token(), l.cfg.AttemptTimeout)
		if err != nil {
			// Transport failure or attempt timeout. The request is
			// abandoned, not cancelled; only the decoded outcome ever
			// touches session state, so a late completion is inert.
			l.logger.Warn("write attempt failed in transit", "attempt", attempts, "error", err)
			if l.sleep(ctx, l.transientGap) != nil {
				break
			}
			continue
		}

		switch outcome.Kind {
		case discord.OutcomeSuccess:
			l.logger.Info("vanity write accepted", "attempt", attempts)
			return journal.OutcomeSucceeded, attempts, 0

		case discord.OutcomeRateLimited:
			l.logger.Info("rate limited", "attempt", attempts, "retry_after", outcome.RetryAfter)
			return journal.OutcomeRateLimited, attempts, outcome.RetryAfter

		case discord.OutcomeChallengeRequired:
			if done, kind, delay := l.handleChallenge(ctx, outcome.Ticket, attempts); done {
				return kind, attempts, delay
			}
			if l.sleep(ctx, l.transientGap) != nil {
				return journal.OutcomeExhausted, attempts, 0
			}

		case discord.OutcomeMalformed:
			l.logger.Warn("unparseable response body", "attempt", attempts, "status", outcome.Status)
			if l.sleep(ctx, l.malformedGap) != nil {
				return journal.OutcomeExhausted, attempts, 0
			}

		default:
			l.logger.Warn("write rejected", "attempt", attempts, "status", outcome.Status, "code", outcome.ErrorCode)
			if l.sleep(ctx, l.transientGap) != nil {
				return journal.OutcomeExhausted, attempts, 0
			}
		}
	}
	return journal.OutcomeExhausted, attempts, 0
}

// handleChallenge resolves a step-up challenge and, on success,
// immediately re-issues the write with the fresh token inside the same
// attempt. done is true when the re-issued write reached a terminal
// condition.
func (l *Locker) handleChallenge(ctx context.Context, ticket string, attempt int) (done bool, kind journal.Outcome, delay time.Duration) {
	l.logger.Info("step-up challenge received", "attempt", attempt)

	res, err := l.resolver.Resolve(ctx, ticket)
	if err != nil {
		l.logger.Warn("challenge resolution failed in transit", "attempt", attempt, "error", err)
		return false, "", 0
	}
	if res.Status != stepup.Completed {
		// Rejected, malformed, or no proof this attempt. All are
		// non-fatal; the loop keeps going against the attempt budget.
		l.logger.Warn("challenge not completed", "attempt", attempt, "resolution", res.Status.String())
		return false, "", 0
	}

	l.setToken(res.Token)

	outcome, err := l.client.SetVanity(ctx, l.cfg.GuildID, l.cfg.VanityCode, res.Token, l.cfg.AttemptTimeout)
	if err != nil {
		l.logger.Warn("post-challenge write failed in transit", "attempt", attempt, "error", err)
		return false, "", 0
	}
	switch outcome.Kind {
	case discord.OutcomeSuccess:
		l.logger.Info("vanity write accepted after challenge", "attempt", attempt)
		return true, journal.OutcomeSucceeded, 0
	case discord.OutcomeRateLimited:
		return true, journal.OutcomeRateLimited, outcome.RetryAfter
	default:
		l.logger.Warn("post-challenge write not accepted", "attempt", attempt, "outcome", outcome.Kind.String())
		return false, "", 0
	}
}

// nextDelay picks the gap before the next cycle: the server-specified
// delay when rate limited, a short pause after success, a longer one
// otherwise.
func (l *Locker) nextDelay(e journal.Entry) time.Duration {
	switch e.Outcome {
	case journal.OutcomeRateLimited:
		if e.RetryAfter > 0 {
			return e.RetryAfter
		}
		return l.cfg.FailureDelay
	case journal.OutcomeSucceeded:
		return l.cfg.SuccessDelay
	default:
		return l.cfg.FailureDelay
	}
}

// notifyOutcome posts the cycle summary. Failures inside notification
// never affect the cycle; the notifier is fire-and-forget by design.
func (l *Locker) notifyOutcome(e journal.Entry) {
	if l.notifier == nil {
		return
	}
	status := "finished"
	switch e.Outcome {
	case journal.OutcomeSucceeded:
		status = "held"
	case journal.OutcomeRateLimited:
		status = fmt.Sprintf("rate limited, next window in %s", e.RetryAfter.Round(time.Second))
	case journal.OutcomeExhausted:
		status = "attempt budget exhausted"
	}
	msg := notify.Message{
		Embeds: []notify.Embed{{
			Color:       l.cfg.NotifyColor,
			Description: fmt.Sprintf("- Attempts: %d\n- Status: %s", e.Attempts, status),
		}},
	}
	if l.cfg.NotifyFooter != "" {
		msg.Embeds[0].Footer = &notify.Footer{Text: l.cfg.NotifyFooter}
	}
	l.notifier.Post(msg)
}

// token reads the recent challenge token.
func (l *Locker) token() string {
	l.tokenMu.Lock()
	defer l.tokenMu.Unlock()
	return l.recentToken
}

// setToken stores a freshly issued challenge token.
func (l *Locker) setToken(token string) {
	l.tokenMu.Lock()
	defer l.tokenMu.Unlock()
	l.recentToken = token
	l.tokenIssued = time.Now()
}

func (l *Locker) tokenIssuedAt() time.Time {
	l.tokenMu.Lock()
	defer l.tokenMu.Unlock()
	return l.tokenIssued
}

// waitCtx sleeps for d or until ctx is done.
func waitCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
