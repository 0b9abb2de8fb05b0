// /internal/relay/pool.go
package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"nekobeat/internal/config"
	"nekobeat/internal/logger"
	"nekobeat/internal/notify"
	"nekobeat/internal/store"
)

const sessionKeyPrefix = "relay:session:"

// ErrNoHealthyRelay is surfaced by callers when the pool cannot hand out
// any instance for a playback attempt.
var ErrNoHealthyRelay = errors.New("no healthy relay instance available")

// Pool owns a fixed set of relay instances. It restores and persists
// their browser session cookies, runs the periodic health check and hands
// out the least-recently-used authenticated idle instance.
type Pool struct {
	cfg      config.RelayConfig
	store    *store.Store
	notifier *notify.Notifier
	log      zerolog.Logger

	instances []*Instance
	cancel    context.CancelFunc
}

func NewPool(cfg config.RelayConfig, st *store.Store, notifier *notify.Notifier) *Pool {
	return &Pool{
		cfg:      cfg,
		store:    st,
		notifier: notifier,
		log:      logger.With("relay-pool"),
	}
}

// Initialize creates the instance set, connects each one, restores any
// persisted cookies and starts the recurring health-check loop.
func (p *Pool) Initialize(ctx context.Context) error {
	if len(p.instances) > 0 {
		return fmt.Errorf("pool already initialized")
	}

	base := strings.TrimRight(p.cfg.BaseURL, "/")
	for n := 1; n <= p.cfg.PoolSize; n++ {
		id := fmt.Sprintf("neko-%d", n)
		inst := NewInstance(id, fmt.Sprintf("%s/%s", base, id), p.cfg)
		p.instances = append(p.instances, inst)
	}

	for _, inst := range p.instances {
		if err := inst.Connect(ctx); err != nil {
			// The instance's own backoff keeps trying; the pool stays up.
			p.log.Warn().Err(err).Str("instance", inst.ID()).Msg("Initial connect failed")
			continue
		}
		p.restoreSession(inst)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go p.healthLoop(loopCtx)

	p.log.Info().Int("size", len(p.instances)).Msg("Relay pool initialized")
	return nil
}

// GetHealthyInstance hands out the authenticated idle instance with the
// oldest lastUsedAt, marked as serving videoID. When every authenticated
// instance is busy it polls for one to free up; when no instance is
// authenticated at all it alerts the operator and gives up immediately.
func (p *Pool) GetHealthyInstance(ctx context.Context, videoID string) *Instance {
	deadline := time.Now().Add(p.cfg.AcquireWait)

	for {
		inst, anyAuthenticated := p.acquireIdle(videoID)
		if inst != nil {
			p.log.Info().Str("instance", inst.ID()).Str("video", videoID).Msg("Relay instance acquired")
			return inst
		}

		if !anyAuthenticated {
			p.log.Error().Msg("No authenticated relay instance available")
			p.notifier.Notify(ctx, "Relay pool exhausted",
				"No authenticated relay instance is available; playback fallback is down.")
			return nil
		}

		if time.Now().After(deadline) {
			p.log.Warn().Str("video", videoID).Msg("Timed out waiting for an idle relay instance")
			return nil
		}

		select {
		case <-time.After(p.cfg.AcquirePollEvery):
		case <-ctx.Done():
			return nil
		}
	}
}

// acquireIdle is the single writer for the busy marker: it scans under
// one critical section per candidate and leases the LRU idle instance.
func (p *Pool) acquireIdle(videoID string) (*Instance, bool) {
	var (
		oldest           *Instance
		anyAuthenticated bool
	)
	for _, inst := range p.instances {
		if !inst.Authenticated() {
			continue
		}
		anyAuthenticated = true
		if inst.CurrentVideo() != "" {
			continue
		}
		if oldest == nil || inst.LastUsedAt().Before(oldest.LastUsedAt()) {
			oldest = inst
		}
	}
	if oldest == nil {
		return nil, anyAuthenticated
	}
	if !oldest.lease(videoID) {
		// Lost the race to a concurrent acquire; caller retries.
		return nil, anyAuthenticated
	}
	return oldest, anyAuthenticated
}

// Release returns an instance to the idle set.
func (p *Pool) Release(inst *Instance) {
	inst.release()
}

// GetInstanceByID returns the instance with the given id, or nil.
func (p *Pool) GetInstanceByID(id string) *Instance {
	for _, inst := range p.instances {
		if inst.ID() == id {
			return inst
		}
	}
	return nil
}

// GetAllInstances returns the fixed instance set.
func (p *Pool) GetAllInstances() []*Instance {
	return p.instances
}

// MaintainSessions restores cookies into unauthenticated instances and
// persists the cookies of authenticated ones under a sliding TTL.
func (p *Pool) MaintainSessions(ctx context.Context) {
	for _, inst := range p.instances {
		if !inst.Authenticated() {
			if err := p.restoreSession(inst); err != nil {
				p.log.Warn().Err(err).Str("instance", inst.ID()).Msg("Session restore failed")
				p.notifier.Notify(ctx, "Relay session restore failed",
					fmt.Sprintf("Could not restore the browser session of %s: %v", inst.ID(), err))
			}
			continue
		}
		p.persistSession(inst)
	}
}

func (p *Pool) restoreSession(inst *Instance) error {
	var cookies []Cookie
	found, err := p.store.Get(sessionKeyPrefix+inst.ID(), &cookies)
	if err != nil {
		return fmt.Errorf("load persisted session: %w", err)
	}
	if !found {
		return nil
	}
	if err := inst.RestoreSession(cookies); err != nil {
		return fmt.Errorf("replay session cookies: %w", err)
	}
	p.log.Info().Str("instance", inst.ID()).Int("cookies", len(cookies)).Msg("Browser session restored")
	return nil
}

func (p *Pool) persistSession(inst *Instance) {
	cookies := inst.Cookies()
	if len(cookies) == 0 {
		return
	}
	if err := p.store.Set(sessionKeyPrefix+inst.ID(), cookies, p.cfg.SessionTTL); err != nil {
		p.log.Warn().Err(err).Str("instance", inst.ID()).Msg("Failed to persist session cookies")
	}
}

// healthLoop checks every instance on the configured interval and
// restarts the ones that fail, then refreshes persisted sessions.
func (p *Pool) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, inst := range p.instances {
				if inst.HealthCheck(ctx) {
					continue
				}
				p.log.Warn().Str("instance", inst.ID()).Msg("Health check failed, restarting instance")
				inst.Restart()
			}
			p.MaintainSessions(ctx)
		}
	}
}

// Shutdown stops the health loop and tears every instance down.
func (p *Pool) Shutdown() {
	if p.cancel != nil {
		p.cancel()
	}
	for _, inst := range p.instances {
		inst.Shutdown()
	}
	p.log.Info().Msg("Relay pool shut down")
}
