package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"

	"github.com/jackc/pgx/v5/pgxpool"

	oasis "github.com/nevindra/oasis"
	"github.com/nevindra/oasis/coord"
	"github.com/nevindra/oasis/frontend/telegram"
	"github.com/nevindra/oasis/internal/coordconfig"
	"github.com/nevindra/oasis/internal/coordgateway"
	"github.com/nevindra/oasis/internal/coordstore/postgres"
	"github.com/nevindra/oasis/internal/coordstore/sqlite"
	"github.com/nevindra/oasis/observer"
	"github.com/nevindra/oasis/provider/gemini"
)

func main() {
	cfg := coordconfig.Load(os.Getenv("COORD_CONFIG_PATH"))
	if cfg.Agent.Name == "" || cfg.Agent.BotID == "" || cfg.Agent.CoordChatID == "" {
		log.Fatal("COORD_AGENT_NAME, COORD_BOT_ID, and COORD_COORD_CHAT_ID are required")
	}
	if cfg.Gateway.APIKey == "" {
		log.Fatal("COORD_GATEWAY_API_KEY is required")
	}

	logger := slog.Default()
	coreCfg := coordconfig.Build(cfg)

	mainProvider := oasis.WithRetry(gemini.New(cfg.Gateway.APIKey, cfg.Gateway.Model))
	haikuProvider := oasis.WithRetry(gemini.New(cfg.Gateway.APIKey, cfg.Gateway.HaikuModel))
	gateway := coordgateway.New(mainProvider, haikuProvider)

	tgToken := os.Getenv("OASIS_TELEGRAM_TOKEN")
	if tgToken == "" {
		log.Fatal("OASIS_TELEGRAM_TOKEN is required")
	}
	frontend := telegram.New(tgToken)

	respond := func(ctx context.Context, chatID, text, userID string) (string, error) {
		resp, err := mainProvider.Chat(ctx, oasis.ChatRequest{
			Messages: []oasis.ChatMessage{
				oasis.SystemMessage("You are " + cfg.Agent.Name + ", one of several agents collaborating in this chat. Reply concisely."),
				oasis.UserMessage(text),
			},
		})
		if err != nil {
			return "", err
		}
		if _, err := frontend.Send(ctx, chatID, resp.Content); err != nil {
			return "", err
		}
		return resp.Content, nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var store interface {
		coord.DurableRows
		coord.Realtime
		coord.ResponseSummarySink
		coord.CoordinationHistorySource
		coord.ChatWriter
		Init(ctx context.Context) error
	}

	switch cfg.Database.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Database.DSN)
		if err != nil {
			log.Fatalf("connect postgres: %v", err)
		}
		defer pool.Close()
		store = postgres.New(pool, frontend, respond, logger)
	default:
		store = sqlite.New(cfg.Database.Path, frontend, respond)
	}

	if err := store.Init(ctx); err != nil {
		log.Fatalf("init durable store: %v", err)
	}

	var tracer oasis.Tracer
	if cfg.Observer.Enabled {
		tracer = observer.NewTracer()
	}

	holder := coord.NewDispatchHolder(store, store, coreCfg, cfg.Agent.Name, cfg.Agent.CoordChatID, logger)
	history := coord.NewHistoryLoader(store, store, cfg.Agent.CoordChatID, logger)
	engine := coord.NewEngine(cfg.Agent.Name, cfg.Agent.CoordChatID, gateway, store, history, holder, coreCfg, tracer, logger)
	defer engine.Stop()

	inbound := coord.NewReliableInbound(store, store, cfg.Agent.BotID, coreCfg,
		func(p coord.DispatchPayload) { engine.HandleInboundMessage(ctx, p) },
		func(e coord.CoordinationEnvelope) { engine.HandleCoordinationEnvelope(ctx, e) },
		logger)

	inbound.Run(ctx)
}
