package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/zombar/coldstore/internal/config"
	"github.com/zombar/coldstore/internal/meta"
	"github.com/zombar/coldstore/internal/tape"
)

func newTapeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tape",
		Short: "Inspect tapes in the library",
	}
	reindex := &cobra.Command{
		Use:   "reindex <tape-id>",
		Short: "Scan a tape and list the bundles written on it",
		Long: `Mounts the tape directly from the configured library and decodes every bundle
header from the start of the tape. Each bundle is checked against the metadata
store. Stop the daemon first: the scan takes a drive outside its scheduler.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runReindex(cmd.Context(), cfg, args[0], cmd.OutOrStdout())
		},
	}
	cmd.AddCommand(reindex)
	return cmd
}

func runReindex(ctx context.Context, cfg *config.Config, tapeID string, out io.Writer) error {
	carts, err := cfg.Cartridges()
	if err != nil {
		return err
	}
	libCarts := make([]tape.Cartridge, len(carts))
	for i, c := range carts {
		libCarts[i] = tape.Cartridge{ID: c.ID, Format: c.Format, CapacityBytes: c.CapacityBytes, Location: c.Location}
	}
	lib, err := tape.NewFileLibrary(tape.LibraryConfig{
		Path:       cfg.Tape.Library.Path,
		Drives:     cfg.Tape.Library.Drives,
		Cartridges: libCarts,
		Logger:     log.Logger,
	})
	if err != nil {
		return err
	}

	bundles, err := tape.Reindex(ctx, lib, tapeID)
	if err != nil {
		return err
	}

	// The metadata check is best effort.
	var store meta.Store
	if s, err := openStore(ctx, cfg, log.Logger); err != nil {
		log.Warn().Err(err).Msg("metadata store unavailable, skipping bundle check")
	} else {
		store = s
		defer func() { _ = s.Close() }()
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "BUNDLE\tOFFSET\tLENGTH\tOBJECTS\tMETADATA")
	for _, b := range bundles {
		fmt.Fprintf(w, "%s\t%d\t%s\t%d\t%s\n", b.ID, b.Offset, humanize.IBytes(uint64(b.Length)), len(b.Objects), bundleState(ctx, store, b))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "%d bundles on %s\n", len(bundles), tapeID)
	return nil
}

// bundleState reports how the metadata store knows a bundle found on tape.
func bundleState(ctx context.Context, store meta.Store, b tape.IndexedBundle) string {
	if store == nil {
		return "-"
	}
	rec, err := store.GetBundle(ctx, b.ID)
	switch {
	case errors.Is(err, meta.ErrNotFound):
		return "unknown"
	case err != nil:
		return "error: " + meta.Kind(err)
	case rec.Checksum != "" && rec.Checksum != b.Checksum:
		return string(rec.Status) + " (checksum mismatch)"
	default:
		return string(rec.Status)
	}
}
