package cmd

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"schooldata/internal/credentials"
	"schooldata/internal/output"
	"schooldata/internal/tui"
	"schooldata/internal/utils"
	"schooldata/source"
)

// newYearsCmd creates the 'years' subcommand
func newYearsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "years <state>",
		Short: "List the school years on record for a state",
		Long:  "List the end years of the school years a state has published, oldest first.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, reg, err := a.provider(args[0])
			if err != nil {
				return err
			}
			return a.renderer().Years(reg.State, p.AvailableYears())
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

// newEnrCmd creates the 'enr' subcommand
func newEnrCmd(a *app) *cobra.Command {
	var (
		wide     bool
		district string
		refresh  bool
	)

	cmd := &cobra.Command{
		Use:   "enr <state> <year>",
		Short: "Print enrollment for one school year",
		Long: "Print enrollment for the school year ending in <year> (2024 is 2023-24).\n" +
			"Records are tidy by default: one count per entity, grade and subgroup.\n" +
			"Use --wide for one row per state, district and school.",
		Example: "  schooldata enr ak 2024\n  schooldata enr ok 2023 --district 72-I001 --format csv",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			year, err := parseYear(args[1])
			if err != nil {
				return err
			}
			p, reg, err := a.provider(args[0])
			if err != nil {
				return err
			}
			opts := fetchOptions(refresh)

			if wide {
				rows, err := p.FetchEnrWide(cmd.Context(), year, opts...)
				if err != nil {
					return explainFetchError(reg.State, err)
				}
				if district != "" {
					rows = filterWide(rows, district)
					if len(rows) == 0 {
						return districtNotFound(reg.State, year, district)
					}
				}
				return a.renderer().Wide(rows)
			}

			records, err := p.FetchEnr(cmd.Context(), year, opts...)
			if err != nil {
				return explainFetchError(reg.State, err)
			}
			if district != "" {
				records = source.Filter(records, district)
				if len(records) == 0 {
					return districtNotFound(reg.State, year, district)
				}
			}
			return a.renderer().Records(records)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Flags().BoolVar(&wide, "wide", false, "One row per entity with grade and subgroup columns")
	cmd.Flags().StringVarP(&district, "district", "d", "", "Only this district and its schools")
	cmd.Flags().StringP("format", "f", "", "Output format: text, json or csv")
	cmd.Flags().BoolVar(&refresh, "refresh", false, "Download again even if the year is cached")
	return cmd
}

// newEnrMultiCmd creates the 'enr-multi' subcommand
func newEnrMultiCmd(a *app) *cobra.Command {
	var (
		district string
		refresh  bool
	)

	cmd := &cobra.Command{
		Use:     "enr-multi <state> <year>...",
		Short:   "Print tidy enrollment for several school years",
		Long:    "Print tidy enrollment for several school years in year order. Years may be ranges such as 2019-2024.",
		Example: "  schooldata enr-multi ak 2019-2024\n  schooldata enr-multi ok 2020 2022 2024 --format csv",
		Args:    cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			years, err := parseYears(args[1:])
			if err != nil {
				return err
			}
			p, reg, err := a.provider(args[0])
			if err != nil {
				return err
			}

			records, err := p.FetchEnrMulti(cmd.Context(), years, fetchOptions(refresh)...)
			if err != nil {
				return explainFetchError(reg.State, err)
			}
			if district != "" {
				records = source.Filter(records, district)
			}
			return a.renderer().Records(records)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Flags().StringVarP(&district, "district", "d", "", "Only this district and its schools")
	cmd.Flags().StringP("format", "f", "", "Output format: text, json or csv")
	cmd.Flags().BoolVar(&refresh, "refresh", false, "Download again even if a year is cached")
	return cmd
}

// newStatesCmd creates the 'states' subcommand
func newStatesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "states",
		Short: "List supported states",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			regs := source.Registrations()
			years := make(map[string][]int, len(regs))
			for _, reg := range regs {
				sc := a.conf.State(reg.State)
				p := reg.Factory(source.ProviderConfig{MaxYear: sc.MaxYear, Fetcher: a.client, Metrics: a.metrics})
				years[reg.State] = p.AvailableYears()
			}
			return a.renderer().States(regs, years)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

// newBrowseCmd creates the 'browse' subcommand
func newBrowseCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "browse <state>",
		Short: "Browse district enrollment interactively",
		Long:  "Open a full-screen browser listing each year's district totals. Press ? for keys.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, _, err := a.provider(args[0])
			if err != nil {
				return err
			}
			return tui.Run(cmd.Context(), p)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

// newCacheCmd creates the 'cache' subcommand
func newCacheCmd(a *app) *cobra.Command {
	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or clear the local enrollment cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cacheCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List cached school years",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := a.openCache()
			if c == nil {
				return errCacheDisabled()
			}
			entries, err := c.Entries(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to read cache: %w", err)
			}
			return a.renderer().CacheEntries(c.Path(), entries, time.Now())
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	})

	cacheCmd.AddCommand(&cobra.Command{
		Use:   "clear [state]",
		Short: "Remove cached years for one state, or all of them",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			state := ""
			if len(args) == 1 {
				reg, err := source.Lookup(args[0])
				if err != nil {
					return err
				}
				state = reg.State
			}

			c := a.openCache()
			if c == nil {
				return errCacheDisabled()
			}
			n, err := c.Clear(cmd.Context(), state)
			if err != nil {
				return fmt.Errorf("failed to clear cache: %w", err)
			}

			if a.format == output.FormatJSON {
				return writeJSON(a.stdout, struct {
					State   string `json:"state,omitempty"`
					Removed int64  `json:"removed"`
				}{state, n})
			}
			scope := "all states"
			if state != "" {
				scope = state
			}
			_, _ = fmt.Fprintf(a.stdout, "Removed %d cached year(s) for %s\n", n, scope)
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	})

	return cacheCmd
}

// newCredentialsCmd creates the 'credentials' subcommand
func newCredentialsCmd(a *app) *cobra.Command {
	credentialsCmd := &cobra.Command{
		Use:   "credentials",
		Short: "Manage mirror tokens",
		Long: "Store, inspect and remove bearer tokens for authenticated data mirrors.\n" +
			"Tokens live in the system keyring. SCHOOLDATA_<STATE>_TOKEN is used when none is stored.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	credentialsCmd.AddCommand(newCredentialsSetCmd(a))
	credentialsCmd.AddCommand(newCredentialsGetCmd(a))
	credentialsCmd.AddCommand(newCredentialsDeleteCmd(a))
	return credentialsCmd
}

// newCredentialsSetCmd creates the 'credentials set' subcommand
func newCredentialsSetCmd(a *app) *cobra.Command {
	var token string

	cmd := &cobra.Command{
		Use:   "set <state>",
		Short: "Store a mirror token in the system keyring",
		Long:  "Store a mirror token in the system keyring. Without --token the token is read from stdin, hidden when stdin is a terminal.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := source.Lookup(args[0])
			if err != nil {
				return err
			}

			if token == "" {
				var in io.Reader = os.Stdin
				if a.cfg.Stdin != nil {
					in = a.cfg.Stdin
				}
				token, err = credentials.PromptToken(in, a.stderr, reg.State)
				if err != nil {
					return fmt.Errorf("failed to read token: %w", err)
				}
			}

			if err := a.creds.Set(reg.State, token); err != nil {
				return utils.WrapWithSuggestion(
					fmt.Errorf("failed to store token for %s: %w", reg.State, err),
					fmt.Sprintf("If no keyring is available, export %s instead", credentials.EnvVar(reg.State)),
				)
			}
			_, _ = fmt.Fprintf(a.stdout, "Stored token for %s\n", reg.State)
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Flags().StringVar(&token, "token", "", "Token value (avoid: visible in shell history)")
	return cmd
}

// newCredentialsGetCmd creates the 'credentials get' subcommand
func newCredentialsGetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <state>",
		Short: "Show whether a token is available and where it comes from",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := source.Lookup(args[0])
			if err != nil {
				return err
			}

			info := a.creds.Get(reg.State)
			if a.format == output.FormatJSON {
				data, err := info.JSON()
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintln(a.stdout, string(data))
				return nil
			}

			if !info.Found {
				_, _ = fmt.Fprintf(a.stdout, "%s: no token (set one with 'schooldata credentials set %s' or %s)\n",
					info.State, strings.ToLower(info.State), credentials.EnvVar(info.State))
				return nil
			}
			_, _ = fmt.Fprintf(a.stdout, "%s: token found (%s)\n", info.State, info.Source)
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

// newCredentialsDeleteCmd creates the 'credentials delete' subcommand
func newCredentialsDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <state>",
		Short: "Remove a stored token from the system keyring",
		Long:  "Remove a stored token from the system keyring. Environment variables are not affected.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := source.Lookup(args[0])
			if err != nil {
				return err
			}
			if err := a.creds.Delete(reg.State); err != nil {
				return fmt.Errorf("failed to delete token for %s: %w", reg.State, err)
			}
			_, _ = fmt.Fprintf(a.stdout, "Removed token for %s\n", reg.State)
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

type versionJSON struct {
	Version   string             `json:"version"`
	Commit    string             `json:"commit"`
	GoVersion string             `json:"go_version"`
	States    []stateVersionJSON `json:"states"`
}

type stateVersionJSON struct {
	State   string `json:"state"`
	Name    string `json:"name"`
	Version string `json:"version"`
}

// newVersionCmd creates the 'version' subcommand
func newVersionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version of schooldata and each state package",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			regs := source.Registrations()

			if a.format == output.FormatJSON {
				resp := versionJSON{
					Version:   source.Version,
					Commit:    source.GitCommit,
					GoVersion: source.GoVersion,
					States:    make([]stateVersionJSON, 0, len(regs)),
				}
				for _, reg := range regs {
					resp.States = append(resp.States, stateVersionJSON{reg.State, reg.Name, reg.Version})
				}
				return writeJSON(a.stdout, resp)
			}

			_, _ = fmt.Fprintln(a.stdout, source.VersionString())
			for _, reg := range regs {
				_, _ = fmt.Fprintf(a.stdout, "  %-3s %-10s %s\n", reg.State, reg.Name, reg.Version)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

// fetchOptions translates command flags into fetch options.
func fetchOptions(refresh bool) []source.FetchOption {
	if refresh {
		return []source.FetchOption{source.WithRefresh()}
	}
	return nil
}

// parseYear parses a school year given by its end year.
func parseYear(raw string) (int, error) {
	year, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || year < 1900 || year > 9999 {
		return 0, utils.ErrInvalidYear(raw)
	}
	return year, nil
}

// parseYears parses years and inclusive ranges such as 2019-2024.
func parseYears(args []string) ([]int, error) {
	var years []int
	for _, arg := range args {
		from, to, isRange := strings.Cut(arg, "-")
		if !isRange {
			y, err := parseYear(arg)
			if err != nil {
				return nil, err
			}
			years = append(years, y)
			continue
		}

		first, err := parseYear(from)
		if err != nil {
			return nil, utils.ErrInvalidYear(arg)
		}
		last, err := parseYear(to)
		if err != nil || last < first {
			return nil, utils.ErrInvalidYear(arg)
		}
		for y := first; y <= last; y++ {
			years = append(years, y)
		}
	}
	return years, nil
}

// filterWide keeps one district's row and its schools' rows.
func filterWide(rows []source.Enrollment, districtID string) []source.Enrollment {
	var out []source.Enrollment
	for _, r := range rows {
		if r.Type != source.TypeState && strings.EqualFold(r.DistrictID, districtID) {
			out = append(out, r)
		}
	}
	return out
}

func districtNotFound(state string, year int, districtID string) error {
	return utils.WrapWithSuggestion(
		fmt.Errorf("no district %q in %s %d", districtID, state, year),
		fmt.Sprintf("Run 'schooldata enr %s %d --wide' to list district IDs", strings.ToLower(state), year),
	)
}

func errCacheDisabled() error {
	return utils.WrapWithSuggestion(
		fmt.Errorf("the enrollment cache is disabled"),
		"Drop --no-cache or set cache.enabled: true in the config file",
	)
}
