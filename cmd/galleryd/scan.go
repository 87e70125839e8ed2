package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/stevecastle/lowkey-grid/hints"
	"github.com/stevecastle/lowkey-grid/loop"
	"github.com/stevecastle/lowkey-grid/media"
)

func newScanCommand() *cobra.Command {
	var recursive bool
	cmd := &cobra.Command{
		Use:   "scan DIR",
		Short: "Add media files under DIR to the library and learn their aspect ratios",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			ctx := cmd.Context()

			db, err := openDB(cfg.DBPath)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := media.InitializeSchema(db); err != nil {
				return err
			}
			res, err := media.Scan(ctx, db, args[0], recursive, hints.ProbeSize)
			if err != nil {
				return err
			}

			hdb, err := openDB(cfg.HintsDBPath)
			if err != nil {
				return err
			}
			defer hdb.Close()
			store, err := hints.Open(ctx, hdb, cfg.HintsStore(), loop.Wall{}, log.Named("hints"))
			if err != nil {
				return err
			}
			cands, err := media.Candidates(ctx, db, media.Query{})
			if err != nil {
				return err
			}
			var learned int
			var bytes int64
			for _, c := range cands {
				bytes += c.Size
				if r := c.Aspect(); r > 0 {
					if err := store.Learn(c.ID, r); err != nil {
						log.Debug("skipping aspect hint", zap.String("id", c.ID), zap.Error(err))
						continue
					}
					learned++
				}
			}
			if err := store.Close(ctx); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "found %d, inserted %d, probed %d; library holds %d items (%s), %d aspect hints\n",
				res.Found, res.Inserted, res.Probed, len(cands), humanize.IBytes(uint64(bytes)), learned)
			return err
		},
	}
	cmd.Flags().BoolVarP(&recursive, "recursive", "r", true, "descend into subdirectories")
	return cmd
}
