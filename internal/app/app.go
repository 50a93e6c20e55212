// Package app wires the components together and executes one pipeline run.
package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"newspipe/internal/browser"
	"newspipe/internal/config"
	"newspipe/internal/digest"
	"newspipe/internal/extract"
	"newspipe/internal/fetch"
	"newspipe/internal/gemini"
	"newspipe/internal/logger"
	"newspipe/internal/pipeline"
	"newspipe/internal/prefilter"
	"newspipe/internal/resolver"
	"newspipe/internal/state"
	"newspipe/internal/store"
	"newspipe/internal/triage"
)

// Run loads configuration, builds the pipeline and executes one run.
// SIGINT/SIGTERM cancel the run context; every item stays at its last
// committed stage and the next run's recovery sweep picks them up.
func Run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger.Init(cfg.Debug)
	log := logger.With("app")

	sources, err := config.LoadSources(cfg.SourcesConfigPath)
	if err != nil {
		return fmt.Errorf("load sources: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ai, err := gemini.NewClient(ctx, gemini.Options{
		APIKey:         cfg.GeminiAPIKey,
		TriageModel:    cfg.TriageModel,
		SummaryModel:   cfg.SummaryModel,
		EmbeddingModel: cfg.EmbeddingModel,
		MaxRequests:    cfg.MaxInferenceReq,
	})
	if err != nil {
		return fmt.Errorf("gemini client: %w", err)
	}
	defer ai.Close()

	fetcher := fetch.NewClient(fetch.Options{
		RequestTimeout:    cfg.RequestTimeout,
		PerDomainInterval: cfg.PerDomainInterval,
		UserAgent:         cfg.UserAgent,
		RespectRobots:     cfg.RespectRobots,
		RetryAttempts:     cfg.RetryAttempts,
		RetryDelay:        cfg.RetryDelay,
	})

	browserClient := browser.NewClient(cfg.BrowserEndpoint, cfg.ExtractTimeout, cfg.SessionMaxUses)
	defer browserClient.Shutdown()

	strategies := []resolver.Strategy{
		resolver.OfflineDecode{},
		resolver.PageAssisted{Client: fetcher},
	}
	extractors := []extract.Strategy{
		extract.NewStatic(fetcher),
	}
	if browserClient.Enabled() {
		strategies = append(strategies, resolver.ToolAssisted{Browser: browserClient})
		extractors = append(extractors, &extract.ToolAssisted{Browser: browserClient})
	}

	machine := state.NewMachine(st)
	filter := prefilter.New(ai, st)
	for _, topic := range sources.Topics {
		if err := filter.Calibrate(ctx, topic); err != nil {
			return fmt.Errorf("calibrate prefilter: %w", err)
		}
	}

	p := pipeline.New(pipeline.Deps{
		Config:   cfg,
		Sources:  sources,
		Store:    st,
		Machine:  machine,
		Fetcher:  fetcher,
		Resolver: resolver.New(strategies, st),
		Filter:   filter,
		Gate:     triage.NewGate(ai, st, machine),
		Chain:    extract.NewChain(cfg.MinArticleChars, cfg.ExtractTimeout, extractors...),
		Gemini:   ai,
		Digests:  digest.NewAccumulator(st, ai),
		Browser:  browserClient,
	})

	if err := p.Run(ctx); err != nil {
		log.Error("Pipeline run failed", "error", err)
		return err
	}
	return nil
}
