package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/zombar/coldstore/internal/admin"
	"github.com/zombar/coldstore/internal/meta"
)

var (
	adminAddr    string
	adminToken   string
	tokenSubject string
	tokenTTL     time.Duration
	objVersion   string
)

func newAdminCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Administer a running coldstore",
	}
	cmd.PersistentFlags().StringVar(&adminAddr, "addr", "", "admin API address (default server.admin_listen)")
	cmd.PersistentFlags().StringVar(&adminToken, "token", os.Getenv("COLDSTORE_TOKEN"), "bearer token (default: issued from admin.token_secret)")

	token := &cobra.Command{
		Use:   "token",
		Short: "Issue an admin API token from admin.token_secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Admin.TokenSecret == "" {
				return fmt.Errorf("admin.token_secret is not set")
			}
			tok, err := admin.IssueToken([]byte(cfg.Admin.TokenSecret), tokenSubject, tokenTTL, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	token.Flags().StringVar(&tokenSubject, "subject", "operator", "token subject recorded in the audit log")
	token.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")

	demote := &cobra.Command{
		Use:   "demote <bucket> <key>",
		Short: "Queue an object for archival to tape",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return objectCommand(cmd, args, (*admin.Client).Demote)
		},
	}
	promote := &cobra.Command{
		Use:   "promote <bucket> <key>",
		Short: "Cancel a pending demotion",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return objectCommand(cmd, args, (*admin.Client).Promote)
		},
	}
	for _, c := range []*cobra.Command{demote, promote} {
		c.Flags().StringVar(&objVersion, "version-id", "", "object version")
	}

	tapes := &cobra.Command{
		Use:   "tapes",
		Short: "List the tape inventory",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := adminClient()
			if err != nil {
				return err
			}
			list, err := c.Tapes(cmd.Context())
			if err != nil {
				return err
			}
			printTapes(cmd.OutOrStdout(), list)
			return nil
		},
	}

	tapeStatus := &cobra.Command{
		Use:   "tape-status <tape-id> <ONLINE|OFFLINE|UNKNOWN|ERROR>",
		Short: "Set the status of a tape",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := adminClient()
			if err != nil {
				return err
			}
			if err := c.SetTapeStatus(cmd.Context(), args[0], meta.TapeStatus(args[1])); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "tape %s: %s\n", args[0], args[1])
			return nil
		},
	}

	archive := &cobra.Command{
		Use:   "archive",
		Short: "Run an archive tick now",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := adminClient()
			if err != nil {
				return err
			}
			res, err := c.RunArchive(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "bundles=%d objects=%d bytes=%s failed=%d deferred=%d\n",
				res.Bundles, res.Objects, humanize.IBytes(uint64(res.Bytes)), res.Failed, res.Deferred)
			return nil
		},
	}

	task := &cobra.Command{
		Use:   "task <task-id>",
		Short: "Show a recall or archive task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := adminClient()
			if err != nil {
				return err
			}
			res, err := c.Task(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}

	cmd.AddCommand(token, demote, promote, tapes, tapeStatus, archive, task)
	return cmd
}

func objectCommand(cmd *cobra.Command, args []string, fn func(*admin.Client, context.Context, meta.ObjectID) (*meta.Object, error)) error {
	c, err := adminClient()
	if err != nil {
		return err
	}
	obj, err := fn(c, cmd.Context(), meta.ObjectID{Bucket: args[0], Key: args[1], Version: objVersion})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s/%s: %s\n", args[0], args[1], obj.State().Phase())
	return nil
}

// adminClient resolves the address and token from flags, falling back to the config file.
func adminClient() (*admin.Client, error) {
	addr, token := adminAddr, adminToken
	if addr == "" || token == "" {
		cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		if addr == "" {
			addr = cfg.Server.AdminListen
		}
		if token == "" {
			if cfg.Admin.TokenSecret == "" {
				return nil, fmt.Errorf("no --token given and admin.token_secret is not set")
			}
			token, err = admin.IssueToken([]byte(cfg.Admin.TokenSecret), "cli", 5*time.Minute, time.Now())
			if err != nil {
				return nil, err
			}
		}
	}
	if addr == "" {
		return nil, fmt.Errorf("no admin address: set --addr or server.admin_listen")
	}
	return admin.NewClient(addr, token), nil
}

func printTapes(out io.Writer, tapes []*meta.Tape) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tFORMAT\tSTATUS\tUSED\tCAPACITY\tBUNDLES")
	for _, t := range tapes {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n", t.ID, t.Format, t.Status,
			humanize.Bytes(uint64(t.UsedBytes)), humanize.Bytes(uint64(t.CapacityBytes)), len(t.Bundles))
	}
	_ = w.Flush()
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
