// Package cmd implements the schooldata command line.
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"schooldata/internal/cache"
	"schooldata/internal/config"
	"schooldata/internal/credentials"
	"schooldata/internal/fetch"
	"schooldata/internal/output"
	"schooldata/internal/shutdown"
	"schooldata/internal/utils"
	"schooldata/source"

	// State packages register themselves with the source registry.
	_ "schooldata/source/alaska"
	_ "schooldata/source/oklahoma"
)

// ExitInterrupted is returned when a signal cancelled the run.
const ExitInterrupted = 130

const cleanupTimeout = 5 * time.Second

// Config holds injectable settings for a run.
type Config struct {
	ConfigPath string              // config file, when --config is not given
	CachePath  string              // overrides cache.path (for testing)
	Keyring    credentials.Keyring // defaults to the system keyring
	Stdin      io.Reader           // token prompt input; defaults to os.Stdin
	Shutdown   *shutdown.Manager   // signal-aware manager from main
}

// Execute runs the CLI with the given arguments and IO writers
func Execute(args []string, stdout, stderr io.Writer, cfg *Config) int {
	if cfg == nil {
		cfg = &Config{}
	}
	mgr := cfg.Shutdown
	if mgr == nil {
		mgr = shutdown.NewManager(context.Background())
	}

	a := &app{cfg: cfg, stdout: stdout, stderr: stderr, mgr: mgr}
	rootCmd := newRootCmd(a)
	rootCmd.SetArgs(args)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	err := rootCmd.ExecuteContext(mgr.Context())
	a.finish()

	waitCtx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if werr := mgr.Wait(waitCtx); werr != nil {
		utils.Warnf("cleanup incomplete: %v", werr)
	}
	utils.SetOutput(nil)

	if err != nil {
		if mgr.Signaled() != nil {
			_, _ = fmt.Fprintln(stderr, "Interrupted")
			return ExitInterrupted
		}
		if a.jsonOutput || containsJSONFlag(args) {
			outputErrorJSON(err, stdout)
		} else {
			_, _ = fmt.Fprintln(stderr, "Error:", err)
		}
		return 1
	}
	return 0
}

// containsJSONFlag checks if args contain --json flag
func containsJSONFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--json" {
			return true
		}
	}
	return false
}

// app carries the state shared by the subcommands of one run.
type app struct {
	cfg    *Config
	stdout io.Writer
	stderr io.Writer
	mgr    *shutdown.Manager

	configPath  string
	verbose     bool
	jsonOutput  bool
	noCache     bool
	showMetrics bool

	conf     *config.Config
	format   output.Format
	registry *prometheus.Registry
	metrics  *fetch.Metrics
	stats    *fetch.Stats
	client   *fetch.Client
	creds    *credentials.Manager

	cacheOpened bool
	cache       *cache.Cache
}

// NewSchoolData creates the root command with injectable IO
func NewSchoolData(stdout, stderr io.Writer, cfg *Config) *cobra.Command {
	if cfg == nil {
		cfg = &Config{}
	}
	mgr := cfg.Shutdown
	if mgr == nil {
		mgr = shutdown.NewManager(context.Background())
	}
	return newRootCmd(&app{cfg: cfg, stdout: stdout, stderr: stderr, mgr: mgr})
}

func newRootCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schooldata",
		Short: "Public school enrollment data by state",
		Long: "schooldata downloads state education agency enrollment files and prints them\n" +
			"as tidy records, wide tables, JSON or CSV.",
		Version: source.Version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&a.configPath, "config", "", "Path to config file (default $XDG_CONFIG_HOME/schooldata/config.yaml)")
	cmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "V", false, "Enable verbose/debug output")
	cmd.PersistentFlags().BoolVar(&a.jsonOutput, "json", false, "Output in JSON format")
	cmd.PersistentFlags().BoolVar(&a.noCache, "no-cache", false, "Bypass the local enrollment cache")
	cmd.PersistentFlags().BoolVar(&a.showMetrics, "metrics", false, "Print download metrics to stderr when done")

	cmd.AddCommand(newYearsCmd(a))
	cmd.AddCommand(newEnrCmd(a))
	cmd.AddCommand(newEnrMultiCmd(a))
	cmd.AddCommand(newStatesCmd(a))
	cmd.AddCommand(newBrowseCmd(a))
	cmd.AddCommand(newCacheCmd(a))
	cmd.AddCommand(newCredentialsCmd(a))
	cmd.AddCommand(newVersionCmd(a))

	return cmd
}

// setup loads configuration and builds the download client.
func (a *app) setup(cmd *cobra.Command) error {
	utils.SetOutput(a.stderr)
	utils.SetVerboseMode(a.verbose)

	path := a.configPath
	if path == "" {
		path = a.cfg.ConfigPath
	}
	conf, err := config.Load(path)
	if err != nil {
		return err
	}

	format := ""
	if f := cmd.Flags().Lookup("format"); f != nil && f.Changed {
		format = f.Value.String()
	}
	if a.jsonOutput {
		format = string(output.FormatJSON)
	}
	if format != "" {
		parsed, err := output.ParseFormat(format)
		if err != nil {
			return err
		}
		format = string(parsed)
	}
	conf.ApplyFlags(a.noCache, format)

	if err := conf.Validate(source.States()...); err != nil {
		return utils.WrapWithSuggestion(err, "Fix the configuration file or pass --config to use another one")
	}
	if a.cfg.CachePath != "" {
		conf.Cache.Path = a.cfg.CachePath
	}
	a.conf = conf
	a.format, _ = output.ParseFormat(conf.OutputFormat)

	var opts []credentials.ManagerOption
	if a.cfg.Keyring != nil {
		opts = append(opts, credentials.WithKeyring(a.cfg.Keyring))
	}
	a.creds = credentials.NewManager(opts...)

	a.registry = prometheus.NewRegistry()
	a.metrics = fetch.NewMetrics(a.registry)
	a.stats = fetch.NewStats()

	fc := conf.FetchConfig()
	fc.UserAgent = "schooldata/" + source.Version
	fc.Token = a.creds.Token
	fc.Metrics = a.metrics
	fc.Stats = a.stats
	a.client = fetch.NewClient(fc)
	a.mgr.RegisterCleanup("http client", func(ctx context.Context) error {
		return a.client.Close()
	})

	utils.Debugf("config loaded: format=%s cache=%t", conf.OutputFormat, conf.IsCacheEnabled())
	return nil
}

// openCache opens the enrollment cache once. It returns nil when caching is
// disabled or the database cannot be opened.
func (a *app) openCache() *cache.Cache {
	if a.cacheOpened {
		return a.cache
	}
	a.cacheOpened = true

	if !a.conf.IsCacheEnabled() {
		utils.Debugf("cache disabled")
		return nil
	}
	c, err := cache.Open(a.conf.GetCachePath())
	if err != nil {
		utils.Warnf("enrollment cache disabled: %v", err)
		return nil
	}
	a.cache = c
	a.mgr.RegisterCleanup("cache", func(ctx context.Context) error {
		return c.Close()
	})
	return c
}

// provider builds the provider for a state code from the loaded configuration.
func (a *app) provider(code string) (source.Provider, source.Registration, error) {
	reg, err := source.Lookup(code)
	if err != nil {
		return nil, reg, err
	}
	sc := a.conf.State(reg.State)
	p := reg.Factory(source.ProviderConfig{
		URLTemplate: sc.URLTemplate,
		MaxYear:     sc.MaxYear,
		Fetcher:     a.client,
		Cache:       a.openCache(),
		CacheTTL:    a.conf.GetCacheTTL(),
		Metrics:     a.metrics,
	})
	return p, reg, nil
}

func (a *app) renderer() *output.Renderer {
	return output.NewRenderer(a.stdout, a.format)
}

// finish reports throttling and dumps metrics once the command has run.
func (a *app) finish() {
	if a.stats != nil {
		if n := a.stats.RateLimitCount(); n > 0 {
			utils.Warnf("data server throttled %d request(s); last at %s", n, a.stats.LastRateLimitTime().Format(time.Kitchen))
		}
	}
	if a.showMetrics && a.registry != nil {
		if err := fetch.WriteText(a.stderr, a.registry); err != nil {
			utils.Warnf("cannot write metrics: %v", err)
		}
	}
}

// explainFetchError attaches a suggestion to download failures.
func explainFetchError(state string, err error) error {
	if err == nil || utils.SuggestionFor(err) != "" {
		return err
	}

	var se *fetch.StatusError
	if errors.As(err, &se) && (se.StatusCode == http.StatusUnauthorized || se.StatusCode == http.StatusForbidden) {
		return utils.WrapWithSuggestion(err,
			fmt.Sprintf("The server refused the request. Store a mirror token with 'schooldata credentials set %s' or set %s",
				strings.ToLower(state), credentials.EnvVar(state)))
	}

	var re *fetch.RetryError
	if errors.As(err, &re) {
		return utils.ErrSourceOffline(state, err)
	}
	return err
}

type errorResponse struct {
	Error      string `json:"error"`
	Suggestion string `json:"suggestion,omitempty"`
	Code       int    `json:"code"`
}

// outputErrorJSON outputs error in JSON format
func outputErrorJSON(err error, stdout io.Writer) {
	msg := err.Error()
	suggestion := utils.SuggestionFor(err)
	if suggestion != "" {
		msg = strings.TrimSuffix(msg, "\n\nSuggestion: "+suggestion)
	}

	response := errorResponse{
		Error:      msg,
		Suggestion: suggestion,
		Code:       1,
	}
	jsonBytes, _ := json.Marshal(response)
	_, _ = fmt.Fprintln(stdout, string(jsonBytes))
}

// writeJSON prints v as one line of JSON.
func writeJSON(w io.Writer, v interface{}) error {
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(w, string(jsonBytes))
	return nil
}
