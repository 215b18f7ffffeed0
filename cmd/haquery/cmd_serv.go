package main

import (
	"github.com/ferbos/haquery/serv"
	"github.com/spf13/cobra"
)

// servCmd is the cobra CLI command for the serve subcommand
func servCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "serve",
		Aliases: []string{"serv"},
		Short:   "Run the HAQuery service",
		Run:     cmdServ,
	}
}

// cmdServ is the handler for the serve subcommand
func cmdServ(*cobra.Command, []string) {
	setup(cpath)

	s, err := serv.NewService(conf)
	if err != nil {
		log.Fatalf("%s", err)
	}
	s.Start()
}
