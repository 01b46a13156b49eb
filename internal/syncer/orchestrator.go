package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/estiohq/syncd/internal/auth"
	"github.com/estiohq/syncd/internal/config"
	"github.com/estiohq/syncd/internal/db/models"
	"github.com/estiohq/syncd/internal/events"
	"github.com/estiohq/syncd/internal/logging"
	"github.com/estiohq/syncd/internal/provider"
	"github.com/estiohq/syncd/internal/reconcile"
	"github.com/estiohq/syncd/internal/retry"
	"github.com/estiohq/syncd/internal/session"
	"github.com/estiohq/syncd/internal/util"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// AdapterFactory builds a fresh adapter for one (account, channel)
// pair. Adapters carry per-run paging state, so one is built per run.
type AdapterFactory func(account *models.Account, channel string) (provider.Adapter, error)

// ChannelsFor maps an account's provider kind to the channels it syncs.
func ChannelsFor(providerKind string) []string {
	switch providerKind {
	case models.ProviderPipeline:
		return []string{provider.ChannelConversations}
	case models.ProviderMailDelta:
		return []string{provider.ChannelMailInbox, provider.ChannelMailSent}
	case models.ProviderWebmail:
		return []string{provider.ChannelWebmail}
	default:
		return nil
	}
}

// Orchestrator runs the sync loop. Each (account, channel) pair is an
// independent unit of work; pairs run in parallel, and overlapping runs
// for the same pair are serialized by the cursor store's advance check.
type Orchestrator struct {
	db       *gorm.DB
	cfg      *config.Config
	auth     *auth.Manager
	cursors  *CursorStore
	resolver *reconcile.Resolver
	rec      *reconcile.Reconciler
	bus      *events.Bus

	newAdapter AdapterFactory
}

// NewOrchestrator wires the engine together. pool may be nil when no
// webmail accounts exist.
func NewOrchestrator(db *gorm.DB, cfg *config.Config, authMgr *auth.Manager, bus *events.Bus, pool *session.Pool) *Orchestrator {
	o := &Orchestrator{
		db:       db,
		cfg:      cfg,
		auth:     authMgr,
		cursors:  NewCursorStore(db),
		resolver: reconcile.NewResolver(db),
		rec:      reconcile.NewReconciler(db),
		bus:      bus,
	}
	o.newAdapter = o.defaultAdapterFactory(pool)
	return o
}

// WithAdapterFactory overrides adapter construction (tests).
func (o *Orchestrator) WithAdapterFactory(f AdapterFactory) *Orchestrator {
	o.newAdapter = f
	return o
}

// Cursors exposes the cursor store for the API layer.
func (o *Orchestrator) Cursors() *CursorStore { return o.cursors }

func (o *Orchestrator) defaultAdapterFactory(pool *session.Pool) AdapterFactory {
	return func(account *models.Account, channel string) (provider.Adapter, error) {
		token := provider.TokenSource(func(ctx context.Context) (string, error) {
			cred, err := o.auth.GetValidCredential(ctx, account.ID)
			if err != nil {
				return "", err
			}
			return cred.AccessToken, nil
		})

		switch channel {
		case provider.ChannelConversations:
			return provider.NewPipelineAdapter(o.cfg.Providers.PipelineBaseURL, account.LocationID, o.cfg.Sync.PageSize, token), nil
		case provider.ChannelMailInbox:
			return provider.NewMailDeltaAdapter(o.cfg.Providers.MailDeltaBaseURL, provider.FolderInbox, o.cfg.Sync.PageSize, token), nil
		case provider.ChannelMailSent:
			return provider.NewMailDeltaAdapter(o.cfg.Providers.MailDeltaBaseURL, provider.FolderSent, o.cfg.Sync.PageSize, token), nil
		case provider.ChannelWebmail:
			if pool == nil {
				return nil, fmt.Errorf("no browser session pool configured")
			}
			mailbox := &provider.PooledMailbox{Pool: pool, Account: account, MailboxURL: o.cfg.Session.MailboxURL}
			return provider.NewWebmailAdapter(mailbox, o.cfg.Sync.LookbackSkew, o.cfg.Sync.StaleStopThreshold), nil
		default:
			return nil, fmt.Errorf("no adapter for channel %s", channel)
		}
	}
}

// SyncAll runs every active account and blocks until all pairs finish.
// Returns the run id for correlation.
func (o *Orchestrator) SyncAll(ctx context.Context) (string, error) {
	runID := logging.GetRunID(ctx)
	if runID == "" {
		runID = logging.GenerateRunID()
		ctx = logging.WithRunID(ctx, runID)
	}

	var accounts []models.Account
	if err := o.db.WithContext(ctx).Find(&accounts, "is_active = ?", true).Error; err != nil {
		return runID, fmt.Errorf("list accounts: %w", err)
	}
	log.Printf("🚀 [%s] sync run starting for %d account(s)", runID, len(accounts))

	var wg sync.WaitGroup
	for i := range accounts {
		account := accounts[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.SyncAccount(ctx, &account)
		}()
	}
	wg.Wait()

	log.Printf("🏁 [%s] sync run finished", runID)
	return runID, nil
}

// SyncAccount syncs every channel of one account, channels in parallel.
func (o *Orchestrator) SyncAccount(ctx context.Context, account *models.Account) {
	if logging.GetRunID(ctx) == "" {
		ctx = logging.WithRunID(ctx, logging.GenerateRunID())
	}

	var wg sync.WaitGroup
	for _, channel := range ChannelsFor(account.Provider) {
		wg.Add(1)
		go func(channel string) {
			defer wg.Done()
			if err := o.syncPair(ctx, account, channel); err != nil {
				log.Printf("❌ %s: %v", logging.PairLabel(ctx, account.ID, channel), err)
			}
		}(channel)
	}
	wg.Wait()
}

// syncPair is one unit of work: fetch pages through the retry policy,
// reconcile each item, and advance the cursor after every fully applied
// page. Interruption leaves applied upserts valid and the cursor at the
// last completed page.
func (o *Orchestrator) syncPair(ctx context.Context, account *models.Account, channel string) error {
	runID := logging.GetRunID(ctx)
	label := logging.PairLabel(ctx, account.ID, channel)
	start := time.Now()

	adapter, err := o.newAdapter(account, channel)
	if err != nil {
		return err
	}

	policy := retry.New(o.cfg.Retry).WithAuthHandlers(
		func(ctx context.Context) error { return o.auth.ForceRefresh(ctx, account.ID) },
		func(ctx context.Context) error { return o.auth.MarkRevoked(ctx, account.ID) },
	)

	cur, err := o.cursors.Get(ctx, account.ID, channel)
	if err != nil {
		return err
	}
	token := cur.OpaqueToken
	prev := token

	pages, items := 0, 0
	var runErr error
	for {
		var page *provider.Page
		runErr = policy.Do(ctx, label, func(ctx context.Context) error {
			p, err := adapter.FetchActivitySince(ctx, token)
			if err != nil {
				return err
			}
			page = p
			return nil
		})
		if runErr != nil {
			break
		}
		pages++

		results, applied, err := o.applyPage(ctx, account, page)
		items += applied
		if err != nil {
			// Cursor stays at the last completed page; the next run
			// redoes this one.
			runErr = err
			break
		}

		if page.NextCursor != "" && page.NextCursor != prev {
			if err := o.cursors.Advance(ctx, account.ID, channel, prev, page.NextCursor); err != nil {
				if errors.Is(err, ErrStaleCursor) {
					log.Printf("⏭️ %s: newer run already advanced the cursor, discarding progress", label)
				}
				runErr = err
				break
			}
			prev = page.NextCursor
		}
		token = page.NextCursor

		for _, res := range results {
			o.bus.Publish(events.ChannelUpdate{
				ConversationID: res.ConversationID,
				ContactID:      res.ContactID,
				NewUnreadCount: res.UnreadCount,
			})
		}

		if page.IsFinal {
			break
		}
	}

	o.recordRun(ctx, runID, account.ID, channel, start, pages, items, runErr)
	if runErr == nil {
		log.Printf("✅ %s: %d item(s) across %d page(s) in %s", label, items, pages, time.Since(start).Round(time.Millisecond))
	}
	return runErr
}

// applyPage resolves and reconciles every item on the page. Item-level
// problems (unresolvable identity, malformed input) are skipped; any
// other error aborts the page so its cursor is not advanced. Returns
// the latest reconciliation result per touched conversation.
func (o *Orchestrator) applyPage(ctx context.Context, account *models.Account, page *provider.Page) (map[string]*reconcile.Result, int, error) {
	results := make(map[string]*reconcile.Result)
	applied := 0
	for i := range page.Items {
		act := &page.Items[i]

		var contact *models.Contact
		if !act.Removed {
			var err error
			contact, err = o.resolver.ResolveOrCreate(ctx, account.LocationID, act.Identity, act.CreatedAt)
			if errors.Is(err, provider.ErrUnresolvableIdentity) {
				log.Printf("🫥 account %s: dropping activity %s: %v",
					account.ID, act.ExternalMessageID, err)
				continue
			}
			if err != nil {
				return results, applied, err
			}
		}

		res, err := o.rec.UpsertActivity(ctx, account.LocationID, contact, act)
		if err != nil {
			return results, applied, fmt.Errorf("reconcile %s: %w", act.ExternalMessageID, err)
		}
		applied++
		if res.ConversationID != "" {
			results[res.ConversationID] = res
		}
	}
	return results, applied, nil
}

func (o *Orchestrator) recordRun(ctx context.Context, runID, accountID, channel string, start time.Time, pages, items int, runErr error) {
	entry := models.SyncRunLog{
		ID:        uuid.NewString(),
		RunID:     runID,
		AccountID: accountID,
		Channel:   channel,
		StartedAt: start.UnixMilli(),
		Duration:  time.Since(start).Milliseconds(),
		Pages:     pages,
		Items:     items,
	}
	if runErr != nil {
		entry.Error = util.TruncateLog(runErr.Error(), util.DefaultLogMaxLen)
	}
	if err := o.db.WithContext(ctx).Create(&entry).Error; err != nil {
		log.Printf("⚠️ [%s] %s/%s: persist run log: %v", runID, accountID, channel, err)
	}
}

// RunScheduler triggers SyncAll on the configured interval until ctx
// is cancelled.
func (o *Orchestrator) RunScheduler(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.Sync.RunInterval)
	defer ticker.Stop()
	log.Printf("⏰ scheduler running every %s", o.cfg.Sync.RunInterval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := o.SyncAll(ctx); err != nil {
				log.Printf("❌ scheduled run: %v", err)
			}
		}
	}
}
