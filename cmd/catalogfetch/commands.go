package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/samvad-hq/catalog-access/internal/app"
	"github.com/samvad-hq/catalog-access/internal/config"
	"github.com/samvad-hq/catalog-access/internal/domain"
	"github.com/samvad-hq/catalog-access/internal/logger"
	"github.com/samvad-hq/catalog-access/pkg/access"
	"github.com/samvad-hq/catalog-access/pkg/targets"
)

// cli carries state initialized by the root command for its subcommands.
type cli struct {
	cfg    *config.Config
	log    logger.Logger
	runner *app.Runner

	targetsFile string
	logLevel    string
	tlsPolicy   string
}

func newRootCmd(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:   "catalogfetch",
		Short: "Fetch remote catalog and tile endpoints over HTTP(S)",
		Long: `catalogfetch downloads catalog documents with redirect following,
single-retry Basic authentication and optional streaming to disk. Outcomes
are journaled locally and can be published to HTTP, SQS, SNS or Pub/Sub.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: c.initialize,
	}

	root.PersistentFlags().StringVar(&c.targetsFile, "targets", "", "targets file (overrides TARGETS_FILE)")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "log level (overrides LOG_LEVEL)")
	root.PersistentFlags().StringVar(&c.tlsPolicy, "tls-policy", "", "accept or strict (overrides TLS_POLICY)")

	root.AddCommand(c.getCmd(), c.batchCmd(), c.historyCmd())
	return root
}

func (c *cli) initialize(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if c.targetsFile != "" {
		cfg.TargetsFile = c.targetsFile
	}
	if c.logLevel != "" {
		cfg.LogLevel = c.logLevel
	}
	if c.tlsPolicy != "" {
		policy := strings.ToLower(strings.TrimSpace(c.tlsPolicy))
		if policy != config.TLSPolicyAccept && policy != config.TLSPolicyStrict {
			return fmt.Errorf("invalid --tls-policy %q", c.tlsPolicy)
		}
		cfg.TLSPolicy = policy
	}

	log, err := logger.Init(cfg)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	logger.DebugObj("catalogfetch starting", "config", cfg)

	runner, err := app.NewRunner(cmd.Context(), cfg, log)
	if err != nil {
		logger.ErrorObj("failed to initialize runner", "error", err.Error())
		return err
	}
	runner.SetStdout(cmd.OutOrStdout())

	c.cfg, c.log, c.runner = cfg, log, runner
	return nil
}

// close runs after every command, including failed ones.
func (c *cli) close() error {
	defer logger.Close()
	if c.runner == nil {
		return nil
	}
	return c.runner.Close()
}

func (c *cli) getCmd() *cobra.Command {
	var (
		user, password string
		stream, meta   bool
		output         string
		postJSON       string
		headers        []string
	)

	cmd := &cobra.Command{
		Use:   "get URL",
		Short: "Fetch a single URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t := targets.Target{
				ID:              "get",
				URL:             args[0],
				Output:          output,
				ExtractHTMLMeta: meta,
				Headers:         map[string]string{},
			}
			if stream {
				t.BufferMode = access.Streaming.String()
			}
			if postJSON != "" {
				var payload any
				if err := json.Unmarshal([]byte(postJSON), &payload); err != nil {
					return fmt.Errorf("--post-json: %w", err)
				}
				t.JSON = payload
			}
			for _, h := range headers {
				k, v, ok := strings.Cut(h, ":")
				if !ok {
					return fmt.Errorf("--header %q: expected Name: value", h)
				}
				t.Headers[strings.TrimSpace(k)] = strings.TrimSpace(v)
			}

			t, err := targets.New(t)
			if err != nil {
				return err
			}
			f, err := c.runner.Fetch(cmd.Context(), t, access.Credential{User: user, Password: password})
			if output != app.StdoutOutput {
				printFetches(cmd.OutOrStdout(), []domain.Fetch{f})
			}
			return err
		},
	}

	cmd.Flags().StringVarP(&user, "user", "u", "", "user sent when the server asks for Basic auth")
	cmd.Flags().StringVarP(&password, "password", "p", "", "password sent when the server asks for Basic auth")
	cmd.Flags().BoolVar(&stream, "stream", false, "stream the body to the output as it arrives")
	cmd.Flags().BoolVar(&meta, "meta", false, "extract the HTML title of the page")
	cmd.Flags().StringVarP(&output, "output", "o", app.StdoutOutput, `output file ("-" for stdout, "" to discard)`)
	cmd.Flags().StringVar(&postJSON, "post-json", "", "send a POST with this JSON body")
	cmd.Flags().StringArrayVarP(&headers, "header", "H", nil, "extra request header (Name: value)")
	return cmd
}

func (c *cli) batchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "batch [TARGET_ID...]",
		Short: "Fetch the enabled targets, or only the given ids",
		RunE: func(cmd *cobra.Command, args []string) error {
			results, err := c.runner.RunBatch(cmd.Context(), args...)
			printFetches(cmd.OutOrStdout(), results)
			return err
		},
	}
}

func (c *cli) historyCmd() *cobra.Command {
	var failedOnly bool
	cmd := &cobra.Command{
		Use:   "history [URL]",
		Short: "Show journaled fetch outcomes",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store := c.runner.Store()
			if len(args) == 1 {
				f, ok, err := store.Lookup(args[0])
				if err != nil {
					return fmt.Errorf("lookup journal: %w", err)
				}
				if !ok {
					return fmt.Errorf("no journal entry for %s", args[0])
				}
				printFetches(cmd.OutOrStdout(), []domain.Fetch{f})
				return nil
			}

			list, err := store.List()
			if err != nil {
				return fmt.Errorf("list journal: %w", err)
			}
			if failedOnly {
				kept := list[:0]
				for _, f := range list {
					if !f.OK {
						kept = append(kept, f)
					}
				}
				list = kept
			}
			printFetches(cmd.OutOrStdout(), list)
			return nil
		},
	}
	cmd.Flags().BoolVar(&failedOnly, "failed", false, "only show failed fetches")
	return cmd
}

func printFetches(w io.Writer, list []domain.Fetch) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TARGET\tSTATUS\tCODE\tBYTES\tCOMPLETED\tDETAIL")
	for _, f := range list {
		status := "ok"
		detail := f.Output
		if f.Title != "" {
			detail = strings.TrimSpace(detail + " " + strconv.Quote(f.Title))
		}
		if !f.OK {
			status = "failed"
			detail = f.Message
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%s\n",
			f.TargetID, status, f.Code, f.Bytes, f.CompletedAt.Format(time.RFC3339), detail)
	}
	_ = tw.Flush()
}
