package app

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/ggonzalez94/bridge-quotes/internal/cache"
	"github.com/ggonzalez94/bridge-quotes/internal/config"
	"github.com/ggonzalez94/bridge-quotes/internal/controller"
	clierr "github.com/ggonzalez94/bridge-quotes/internal/errors"
	"github.com/ggonzalez94/bridge-quotes/internal/httpx"
	"github.com/ggonzalez94/bridge-quotes/internal/id"
	"github.com/ggonzalez94/bridge-quotes/internal/logging"
	"github.com/ggonzalez94/bridge-quotes/internal/model"
	"github.com/ggonzalez94/bridge-quotes/internal/out"
	"github.com/ggonzalez94/bridge-quotes/internal/policy"
	"github.com/ggonzalez94/bridge-quotes/internal/providers"
	"github.com/ggonzalez94/bridge-quotes/internal/providers/aggregator"
	"github.com/ggonzalez94/bridge-quotes/internal/providers/lifi"
	"github.com/ggonzalez94/bridge-quotes/internal/providers/rates"
	"github.com/ggonzalez94/bridge-quotes/internal/providers/rpc"
	"github.com/ggonzalez94/bridge-quotes/internal/registry"
	"github.com/ggonzalez94/bridge-quotes/internal/schema"
	"github.com/ggonzalez94/bridge-quotes/internal/version"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

type Runner struct {
	stdout io.Writer
	stderr io.Writer
	now    func() time.Time
	// sources builds the collaborators for quote commands.
	sources func(s *runtimeState) controller.Sources
}

func NewRunner() *Runner {
	return NewRunnerWithWriters(os.Stdout, os.Stderr)
}

func NewRunnerWithWriters(stdout, stderr io.Writer) *Runner {
	return &Runner{
		stdout:  stdout,
		stderr:  stderr,
		now:     time.Now,
		sources: defaultSources,
	}
}

type runtimeState struct {
	runner        *Runner
	flags         config.GlobalFlags
	settings      config.Settings
	log           zerolog.Logger
	cache         *cache.Store
	rpc           *rpc.Client
	root          *cobra.Command
	lastCommand   string
	lastWarnings  []string
	lastProviders []model.ProviderStatus
}

func (r *Runner) Run(args []string) int {
	state := &runtimeState{runner: r, log: zerolog.Nop()}
	root := state.newRootCommand()
	state.root = root
	root.SetArgs(args)
	root.SetOut(r.stdout)
	root.SetErr(r.stderr)
	root.SilenceUsage = true
	root.SilenceErrors = true

	err := normalizeRunError(root.Execute())
	defer state.close()
	if err == nil {
		return 0
	}
	state.renderError("", err, state.lastWarnings, state.lastProviders)
	return clierr.ExitCode(err)
}

func (s *runtimeState) close() {
	if s.rpc != nil {
		s.rpc.Close()
	}
	if s.cache != nil {
		_ = s.cache.Close()
	}
}

func (s *runtimeState) newRootCommand() *cobra.Command {
	s.flags.Retries = -1
	s.flags.MaxRefresh = -1
	cmd := &cobra.Command{
		Use:   version.CLIName,
		Short: "Cross-chain bridge quote aggregation and selection",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" {
				return nil
			}
			settings, err := config.Load(s.flags)
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "load configuration", err)
			}
			s.settings = settings
			s.log = logging.New(s.runner.stderr, settings.LogLevel, settings.LogFormat)

			path := trimRootPath(cmd.CommandPath())
			s.lastCommand = path
			if settings.CacheEnabled && shouldOpenCache(path) && s.cache == nil {
				store, err := cache.Open(settings.CachePath, settings.CacheLockPath, 0)
				if err != nil {
					return clierr.Wrap(clierr.CodeInternal, "open cache", err)
				}
				if err := store.Prune(); err != nil {
					s.log.Debug().Err(err).Msg("cache prune failed")
				}
				s.cache = store
			}
			return nil
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return clierr.Wrap(clierr.CodeUsage, "parse flags", err)
	})

	pf := cmd.PersistentFlags()
	pf.BoolVar(&s.flags.JSON, "json", false, "Output JSON (default)")
	pf.BoolVar(&s.flags.Plain, "plain", false, "Output plain text")
	pf.StringVar(&s.flags.Select, "fields", "", "Select fields from data (comma-separated, dotted paths allowed)")
	pf.BoolVar(&s.flags.ResultsOnly, "results-only", false, "Output only data payload")
	pf.StringVar(&s.flags.Timeout, "timeout", "", "Collaborator request timeout")
	pf.IntVar(&s.flags.Retries, "retries", -1, "Retries per collaborator request")
	pf.BoolVar(&s.flags.NoCache, "no-cache", false, "Disable the rate and quote cache")
	pf.StringVar(&s.flags.ConfigPath, "config", "", "Path to config file")
	pf.StringVar(&s.flags.EnvFile, "env-file", "", "Path to a .env file")
	pf.StringVar(&s.flags.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	pf.StringVar(&s.flags.Currency, "currency", "", "Fiat currency for rates")

	cmd.AddCommand(s.newQuoteCommand())
	cmd.AddCommand(s.newWatchCommand())
	cmd.AddCommand(s.newChainsCommand())
	cmd.AddCommand(s.newProvidersCommand())
	cmd.AddCommand(s.newSchemaCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func newVersionCommand() *cobra.Command {
	var long bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print CLI version",
		Run: func(cmd *cobra.Command, args []string) {
			if long {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), version.Long())
				return
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), version.CLIVersion)
		},
	}
	cmd.Flags().BoolVar(&long, "long", false, "Print extended build metadata")
	return cmd
}

func (s *runtimeState) newSchemaCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "schema [command path]",
		Short: "Print machine-readable command schema",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := schema.Build(s.root, strings.Join(args, " "))
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "build schema", err)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), data, nil, cacheMetaBypass(), nil)
		},
	}
}

func (s *runtimeState) newProvidersCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "List the collaborators quotes, rates and gas fees come from",
		RunE: func(cmd *cobra.Command, args []string) error {
			httpClient := httpx.New("prices", s.settings.Timeout, s.settings.Retries)
			infos := make([]model.ProviderInfo, 0, len(s.settings.QuoteSources)+2)
			for _, src := range quoteSources(s.settings, s.log) {
				infos = append(infos, src.Info())
			}
			infos = append(infos,
				rates.New(httpClient, s.settings.PriceAPIURL).Info(),
				rpc.New(s.settings.RPCURLs, s.settings.Timeout).Info(),
			)
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), infos, nil, cacheMetaBypass(), nil)
		},
	}
}

func (s *runtimeState) newChainsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "chains",
		Short: "List known chains with allowlist and settlement fee status",
		RunE: func(cmd *cobra.Command, args []string) error {
			lists := allowlists(s.settings)
			settlement := map[int64]bool{}
			for _, chainID := range s.settings.Engine.SettlementFeeChains {
				settlement[chainID] = true
			}
			chains := id.Chains()
			infos := make([]model.ChainInfo, 0, len(chains))
			for _, chain := range chains {
				_, rpcKnown := registry.DefaultRPCURL(chain.ChainID)
				if _, ok := s.settings.RPCURLs[chain.ChainID]; ok {
					rpcKnown = true
				}
				infos = append(infos, model.ChainInfo{
					Name:            chain.Name,
					Slug:            chain.Slug,
					ChainID:         chain.ChainID,
					CAIP2:           chain.CAIP2(),
					NativeSymbol:    chain.NativeSymbol,
					SrcAllowed:      lists.SrcAllowed(chain.ChainID),
					DestAllowed:     lists.DestAllowed(chain.ChainID),
					SettlementFee:   settlement[chain.ChainID],
					DefaultRPCKnown: rpcKnown,
				})
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), infos, nil, cacheMetaBypass(), nil)
		},
	}
}

// quoteSources builds the configured quote sources in settings order.
func quoteSources(settings config.Settings, log zerolog.Logger) []providers.QuoteSource {
	out := make([]providers.QuoteSource, 0, len(settings.QuoteSources))
	for _, name := range settings.QuoteSources {
		httpClient := httpx.New(name, settings.Timeout, settings.Retries).WithLogger(log)
		switch name {
		case registry.ServiceAggregator:
			out = append(out, aggregator.New(httpClient, settings.AggregatorURL).WithLogger(log))
		case registry.ServiceLiFi:
			out = append(out, lifi.New(httpClient, settings.LiFiURL).WithLogger(log))
		}
	}
	return out
}

// defaultSources wires the quote sources, the price API and the chain RPC
// client from the loaded settings.
func defaultSources(s *runtimeState) controller.Sources {
	settings := s.settings
	priceHTTP := httpx.New("prices", settings.Timeout, settings.Retries).WithLogger(s.log)

	rateSource := rates.New(priceHTTP, settings.PriceAPIURL).WithLogger(s.log)
	if s.cache != nil {
		rateSource = rateSource.WithStore(s.cache, settings.RateMaxAge)
	}
	if s.rpc == nil {
		s.rpc = rpc.New(settings.RPCURLs, settings.Timeout).WithLogger(s.log)
	}
	return controller.Sources{
		Quotes:   providers.NewFanout(s.log, quoteSources(settings, s.log)...),
		Rates:    rateSource,
		Gas:      s.rpc,
		Balances: s.rpc,
	}
}

func allowlists(settings config.Settings) policy.Allowlists {
	return policy.Allowlists{Src: settings.Engine.SrcChainAllowlist, Dest: settings.Engine.DestChainAllowlist}
}

func (s *runtimeState) renderOptions() out.Options {
	return out.Options{Mode: s.settings.OutputMode, Select: s.settings.SelectFields, ResultsOnly: s.settings.ResultsOnly}
}

func (s *runtimeState) emitSuccess(commandPath string, data any, warnings []string, cacheStatus model.CacheStatus, statuses []model.ProviderStatus) error {
	env := model.Envelope{
		Version:  model.EnvelopeVersion,
		Success:  true,
		Data:     data,
		Warnings: warnings,
		Meta: model.EnvelopeMeta{
			RequestID: uuid.NewString(),
			Timestamp: s.runner.now().UTC(),
			Command:   commandPath,
			Providers: statuses,
			Cache:     cacheStatus,
		},
	}
	return out.Render(s.runner.stdout, env, s.renderOptions())
}

func (s *runtimeState) renderError(commandPath string, err error, warnings []string, statuses []model.ProviderStatus) {
	if strings.TrimSpace(commandPath) == "" {
		commandPath = s.lastCommand
		if commandPath == "" {
			commandPath = version.CLIName
		}
	}
	typ := "internal_error"
	message := err.Error()
	if cErr, ok := clierr.As(err); ok {
		typ = clierr.TypeName(cErr.Code)
		message = cErr.Error()
	}

	opts := s.renderOptions()
	if opts.Mode == "" {
		opts.Mode = "json"
	}
	opts.ResultsOnly = false
	opts.Select = nil
	env := model.Envelope{
		Version: model.EnvelopeVersion,
		Success: false,
		Data:    []any{},
		Error: &model.ErrorBody{
			Code:    clierr.ExitCode(err),
			Type:    typ,
			Message: message,
		},
		Warnings: warnings,
		Meta: model.EnvelopeMeta{
			RequestID: uuid.NewString(),
			Timestamp: s.runner.now().UTC(),
			Command:   commandPath,
			Providers: statuses,
			Cache:     cacheMetaBypass(),
			Partial:   len(warnings) > 0,
		},
	}
	_ = out.Render(s.runner.stderr, env, opts)
}

func (s *runtimeState) captureDiagnostics(warnings []string, statuses []model.ProviderStatus) {
	s.lastWarnings = append([]string(nil), warnings...)
	s.lastProviders = append([]model.ProviderStatus(nil), statuses...)
}

func trimRootPath(path string) string {
	parts := strings.Fields(path)
	if len(parts) <= 1 {
		return path
	}
	return strings.Join(parts[1:], " ")
}

func cacheMetaBypass() model.CacheStatus {
	return model.CacheStatus{Status: "bypass"}
}

func normalizeRunError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := clierr.As(err); ok {
		return err
	}
	if isLikelyUsageError(err) {
		return clierr.Wrap(clierr.CodeUsage, "invalid command input", err)
	}
	return clierr.Wrap(clierr.CodeInternal, "execute command", err)
}

func isLikelyUsageError(err error) bool {
	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	for _, p := range []string{
		"unknown command",
		"unknown flag",
		"required flag(s)",
		"flag needs an argument",
		"requires at least",
		"requires exactly",
		"accepts ",
		"invalid argument",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

func shouldOpenCache(commandPath string) bool {
	switch strings.Join(strings.Fields(strings.ToLower(commandPath)), " ") {
	case "quote", "watch":
		return true
	default:
		return false
	}
}
