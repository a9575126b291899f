// relay runs one agent conversation: it mounts the configured tool
// providers, puts the policy gateway in front of them and drives the loop
// until the model answers. Pending approvals are resolved interactively on
// stdin.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/voocel/relay/agent"
	"github.com/voocel/relay/compositor"
	"github.com/voocel/relay/config"
	"github.com/voocel/relay/gateway"
	"github.com/voocel/relay/llm"
	"github.com/voocel/relay/provider"
	"github.com/voocel/relay/schema"
	"github.com/voocel/relay/toolkit"
)

func main() {
	configPath := flag.String("config", "relay.toml", "path to config file")
	flag.Parse()

	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: relay [-config relay.toml] <prompt>")
		os.Exit(2)
	}
	prompt := strings.Join(flag.Args(), " ")

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, err := buildLogger(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(context.Background(), cfg, logger, prompt); err != nil {
		logger.Error("run failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger, prompt string) error {
	model, err := llm.NewLiteLLM(llm.Config{
		Model:       cfg.Model.Name,
		APIKey:      cfg.Model.APIKey,
		BaseURL:     cfg.Model.BaseURL,
		MaxTokens:   cfg.Model.MaxTokens,
		Temperature: cfg.Model.Temperature,
	})
	if err != nil {
		return err
	}

	comp := compositor.New(logger)
	for _, m := range cfg.Mounts {
		if err := mount(ctx, comp, m, logger); err != nil {
			return err
		}
	}

	engine, err := buildEngine(cfg.Policy)
	if err != nil {
		return err
	}
	gated := gateway.New(comp, engine, gateway.WithLogger(logger))

	loop, err := agent.New(agent.Config{
		Model:    model,
		Provider: gated,
		Handlers: []agent.Handler{
			&agent.TokenBudget{MaxTokens: cfg.Loop.TokenBudget},
			&agent.Recorder{Logger: logger},
		},
		MaxPhases:   cfg.Loop.MaxPhases,
		MaxTokens:   cfg.Model.MaxTokens,
		Temperature: cfg.Model.Temperature,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	stopApprover := startApprover(gated, logger)
	defer stopApprover()

	result, err := loop.Run(ctx, []schema.Message{schema.NewMessage(schema.RoleUser, prompt)})
	if err != nil {
		return err
	}

	switch result.Status {
	case agent.StatusFinished:
		fmt.Println(result.FinalText())
	case agent.StatusAborted:
		fmt.Fprintln(os.Stderr, "run aborted:", result.Reason)
	}
	logger.Info("token usage",
		zap.Int("prompt", result.Usage.PromptTokens),
		zap.Int("completion", result.Usage.CompletionTokens))
	return nil
}

func mount(ctx context.Context, comp *compositor.Compositor, m config.MountConfig, logger *zap.Logger) error {
	var opts []compositor.MountOption
	if m.Pinned {
		opts = append(opts, compositor.Pinned())
	}

	if m.Command == "" {
		local := provider.NewLocal(logger)
		if err := toolkit.Register(local); err != nil {
			return fmt.Errorf("mount %s: %w", m.Prefix, err)
		}
		return comp.Mount(ctx, m.Prefix, local, opts...)
	}

	remote, err := provider.StartRemote(ctx, m.Command, m.Args, provider.WithRemoteLogger(logger))
	if err != nil {
		return fmt.Errorf("mount %s: %w", m.Prefix, err)
	}
	return comp.Mount(ctx, m.Prefix, remote, opts...)
}

func buildEngine(policy config.PolicyConfig) (gateway.Engine, error) {
	defaultAction, err := gateway.ParseAction(policy.Default)
	if err != nil {
		return nil, err
	}
	engine := gateway.NewStaticEngine(gateway.Decision{Action: defaultAction})
	for _, rule := range policy.Rules {
		action, err := gateway.ParseAction(rule.Action)
		if err != nil {
			return nil, fmt.Errorf("policy rule %s: %w", rule.Tool, err)
		}
		engine.Rule(rule.Tool, gateway.Decision{Action: action, Reason: rule.Reason})
	}
	return engine, nil
}

// startApprover answers parked approvals from stdin: "y <call_id>" approves,
// "n <call_id>" denies, a bare "l" lists what is waiting.
func startApprover(g *gateway.Gateway, logger *zap.Logger) (stop func()) {
	done := make(chan struct{})
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case <-done:
				return
			default:
			}
			fields := strings.Fields(scanner.Text())
			if len(fields) == 0 {
				continue
			}
			switch fields[0] {
			case "l":
				for _, p := range g.Pending() {
					fmt.Fprintf(os.Stderr, "pending %s: %s %s\n", p.CallID, p.Tool, p.Args)
				}
			case "y", "n":
				if len(fields) < 2 {
					fmt.Fprintln(os.Stderr, "usage: y|n <call_id>")
					continue
				}
				if err := g.Resolve(fields[1], fields[0] == "y"); err != nil {
					fmt.Fprintln(os.Stderr, "resolve:", err)
				}
			default:
				fmt.Fprintln(os.Stderr, "commands: l (list), y <call_id>, n <call_id>")
			}
		}
	}()
	return func() { close(done) }
}

func buildLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	var zcfg zap.Config
	if cfg.JSON {
		zcfg = zap.NewProductionConfig()
	} else {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.OutputPaths = []string{"stderr"}
	return zcfg.Build()
}
