// Package gateway assembles the task engine and its collaborators from the
// configuration and runs the background loops.
package gateway

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"herald-main/src/internal/actions"
	"herald-main/src/internal/channels"
	"herald-main/src/internal/chat"
	"herald-main/src/internal/config"
	"herald-main/src/internal/cron"
	"herald-main/src/internal/directory"
	"herald-main/src/internal/engine"
	"herald-main/src/internal/llm"
	"herald-main/src/internal/metrics"
	"herald-main/src/internal/routes"
	"herald-main/src/internal/storage"
	"herald-main/src/internal/tasks"
)

const (
	collectionTasks    = "tasks"
	collectionRoutes   = "reply_routes"
	collectionMessages = "chat_messages"
	collectionAliases  = "contact_aliases"
)

type Gateway struct {
	Config    *config.Config
	Storage   *storage.Storage
	Catalog   *directory.Catalog
	Aliases   *chat.Aliases
	History   *chat.History
	Routes    *routes.Registry
	Forwarder *routes.Forwarder
	Engine    *engine.Engine
	Scheduler *cron.Scheduler
	Metrics   *metrics.Metrics

	// Channel is nil when the chat channel is disabled.
	Channel channels.Channel
}

// Options lets callers replace collaborators, mostly in tests.
type Options struct {
	Channel channels.Channel
	Model   llm.Client
}

func New(ctx context.Context, cfg *config.Config, st *storage.Storage, opts Options) (*Gateway, error) {
	catalog, err := directory.LoadCatalog(cfg.CatalogFile)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}

	gw := &Gateway{
		Config:  cfg,
		Storage: st,
		Catalog: catalog,
		Metrics: metrics.New(),
	}
	gw.Aliases = chat.NewAliases(storage.NewCollection[chat.Alias](st, collectionAliases))
	gw.History = chat.NewHistory(storage.NewCollection[chat.Message](st, collectionMessages), gw.Aliases)
	gw.Routes = routes.NewRegistry(storage.NewCollection[routes.Route](st, collectionRoutes), cfg.Routing.MaxAge)

	gw.Channel = opts.Channel
	if gw.Channel == nil && cfg.Channels.Whatsapp.Enabled {
		ch, err := channels.NewWhatsapp(ctx, cfg.StorageDir, gw.Aliases)
		if err != nil {
			slog.Warn("failed to initialize whatsapp channel", "error", err)
		} else {
			gw.Channel = ch
			slog.Info("whatsapp channel initialized")
		}
	}

	sender := channelSender{ch: gw.Channel, aliases: gw.Aliases}
	gw.Forwarder = routes.NewForwarder(gw.Routes, gw.History, sender, sender, gw.Metrics)
	if gw.Channel != nil {
		gw.Channel.SetMessageHandler(func(ctx context.Context, in chat.Inbound) {
			n, err := gw.Forwarder.HandleInbound(ctx, in)
			if err != nil {
				slog.Error("failed to route inbound reply", "from", in.Sender, "error", err)
				return
			}
			if n > 0 {
				slog.Info("inbound reply forwarded", "from", in.Sender, "destinations", n)
			}
		})
	}

	executor := actions.NewExecutor(catalog, catalog, sender, gw.History, gw.Routes, actions.Options{
		AppendTraceTag: cfg.Routing.AppendTraceTag,
	})

	model := opts.Model
	if model == nil {
		model = llm.NewRouter(cfg.Models)
	}
	gw.Engine = engine.New(engine.Deps{
		Tasks:        storage.NewCollection[tasks.Task](st, collectionTasks),
		Agents:       catalog,
		Contacts:     catalog,
		Integrations: catalog,
		Files:        catalog,
		Model:        model,
		Actions:      executor,
		Routes:       gw.Routes,
		Metrics:      gw.Metrics,
	}, engine.Options{
		DefaultTimezone:    cfg.Tasks.DefaultTimezone,
		PromptPreviewChars: cfg.Tasks.PromptPreviewChars,
	})
	gw.Scheduler = cron.NewScheduler(gw.Engine, cfg.Scheduler.PollInterval, gw.Metrics)
	return gw, nil
}

// Run recovers interrupted attempts, then runs the scheduler and the
// catalog watcher until ctx is done or one of them fails.
func (gw *Gateway) Run(ctx context.Context) error {
	if n, err := gw.Engine.RecoverInterrupted(ctx); err != nil {
		return fmt.Errorf("recover interrupted tasks: %w", err)
	} else if n > 0 {
		slog.Warn("tasks interrupted by the previous run marked failed", "count", n)
	}

	g, ctx := errgroup.WithContext(ctx)
	if gw.Config.Scheduler.Enabled {
		g.Go(func() error { return gw.Scheduler.Run(ctx) })
	} else {
		slog.Info("scheduler disabled")
	}
	g.Go(func() error { return gw.Catalog.Watch(ctx) })
	return g.Wait()
}

func (gw *Gateway) ChannelStatus() channels.Status {
	if gw.Channel == nil {
		return channels.Status{Channel: "whatsapp"}
	}
	return gw.Channel.Status()
}

func (gw *Gateway) ChannelEnroll(ctx context.Context) error {
	if gw.Channel == nil {
		return fmt.Errorf("%w: whatsapp channel is disabled", tasks.ErrPrecondition)
	}
	return gw.Channel.Enroll(ctx)
}

// ListHistory returns messages exchanged with address and its aliases.
func (gw *Gateway) ListHistory(ctx context.Context, address string, limit int) ([]chat.Message, error) {
	return gw.History.List(ctx, address, limit)
}

// channelSender adapts an optional channel to the outbound interfaces.
type channelSender struct {
	ch      channels.Channel
	aliases *chat.Aliases
}

func (s channelSender) Send(ctx context.Context, address, text string) (string, error) {
	if s.ch == nil {
		return "", actions.ErrGatewayNotReady
	}
	return s.ch.Send(ctx, address, text)
}

func (s channelSender) IsReady() bool {
	return s.ch != nil && s.ch.IsReady()
}

func (s channelSender) ResolveAddresses(ctx context.Context, address string) ([]string, error) {
	if s.ch == nil {
		return s.aliases.Resolve(ctx, address)
	}
	return s.ch.ResolveAddresses(ctx, address)
}
