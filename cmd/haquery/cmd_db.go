package main

import (
	"github.com/ferbos/haquery/core"
	"github.com/spf13/cobra"
)

// dbCmd groups database maintenance commands
func dbCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "db",
		Short: "Database commands",
	}

	c.AddCommand(&cobra.Command{
		Use:   "ping",
		Short: "Check the recorder database is reachable",
		Run:   cmdDBPing,
	})

	return c
}

// cmdDBPing opens the configured database and reports the result
func cmdDBPing(*cobra.Command, []string) {
	setup(cpath)

	path, found := core.LocateDatabase(conf.Database.Path)
	if !found {
		log.Fatalf("no database found at %q or any well-known location", conf.Database.Path)
	}

	db, err := core.OpenDB(path, log)
	if err != nil {
		log.Fatalf("database ping failed: %s", err)
	}
	defer db.Close() //nolint:errcheck

	log.Infof("database ok: %s", path)
}
