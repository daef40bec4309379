package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/tataru-assistant/tataru"
	"github.com/tataru-assistant/tataru/pkg/rpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
)

type translateOptions struct {
	engine     string
	alternate  string
	autoChange bool
	from       string
	to         string
	textType   string
	table      []string
	stream     bool
	remote     remoteOptions
}

type remoteOptions struct {
	addr  string
	token string
}

func (o *remoteOptions) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.addr, "remote", "", "address of a tataru server; the local pipeline is used when empty")
	cmd.Flags().StringVar(&o.token, "token", "", "JWT or API key for --remote")
}

// dial connects to the remote server. The returned context carries the token.
func (o *remoteOptions) dial(ctx context.Context) (context.Context, *rpc.Client, func() error, error) {
	conn, err := grpc.DialContext(ctx, o.addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("dial %s: %w", o.addr, err)
	}
	if o.token != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+o.token)
	}
	return ctx, rpc.NewClient(conn), conn.Close, nil
}

func newTranslateCmd(opts *rootOptions) *cobra.Command {
	o := &translateOptions{}

	cmd := &cobra.Command{
		Use:   "translate [text...]",
		Short: "Translate one line of text",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}

			tc := o.apply(cfg.Translation.Config)
			table, err := parseTable(o.table)
			if err != nil {
				return err
			}
			req := &rpc.TranslateRequest{
				Text:   strings.Join(args, " "),
				Config: tc,
				Table:  table,
				Type:   tataru.TextType(o.textType),
			}

			out := cmd.OutOrStdout()
			onDelta := func(delta string) { fmt.Fprint(out, delta) }

			if o.remote.addr != "" {
				ctx, client, closeConn, err := o.remote.dial(cmd.Context())
				if err != nil {
					return err
				}
				defer func() { _ = closeConn() }()

				if o.stream {
					if _, err := client.TranslateStream(ctx, req, onDelta); err != nil {
						return err
					}
					fmt.Fprintln(out)
					return nil
				}
				resp, err := client.Translate(ctx, req)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, resp.Translation)
				return nil
			}

			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close(context.Background()) }()

			if o.stream {
				if _, err := a.pipeline.TranslateStream(cmd.Context(), req.Text, req.Config, req.Table, req.Type, onDelta); err != nil {
					return err
				}
				fmt.Fprintln(out)
				return nil
			}
			fmt.Fprintln(out, a.pipeline.Translate(cmd.Context(), req.Text, req.Config, req.Table, req.Type))
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&o.engine, "engine", "", "override translation.engine")
	f.StringVar(&o.alternate, "alternate", "", "override translation.engine_alternate")
	f.BoolVar(&o.autoChange, "auto-change", true, "fall back to other engines on failure")
	f.StringVar(&o.from, "from", "", "override translation.from")
	f.StringVar(&o.to, "to", "", "override translation.to")
	f.StringVar(&o.textType, "type", string(tataru.TypeSentence), "text type: sentence, name or dialogue")
	f.StringArrayVar(&o.table, "table", nil, "placeholder code=replacement, repeatable")
	f.BoolVar(&o.stream, "stream", false, "print the translation as it arrives")
	o.remote.register(cmd)
	return cmd
}

// apply overrides cfg with the flags that were set
func (o *translateOptions) apply(cfg tataru.Config) tataru.Config {
	if o.engine != "" {
		cfg.Engine = o.engine
	}
	if o.alternate != "" {
		cfg.EngineAlternate = o.alternate
	}
	if o.from != "" {
		cfg.From = o.from
	}
	if o.to != "" {
		cfg.To = o.to
	}
	cfg.AutoChange = cfg.AutoChange && o.autoChange
	return cfg
}

// parseTable parses code=replacement pairs in order
func parseTable(entries []string) (tataru.Table, error) {
	var table tataru.Table
	for _, e := range entries {
		code, replacement, ok := strings.Cut(e, "=")
		if !ok || code == "" {
			return nil, fmt.Errorf("invalid table entry %q, expected code=replacement", e)
		}
		table = append(table, tataru.Placeholder{Code: code, Replacement: replacement})
	}
	return table, nil
}
