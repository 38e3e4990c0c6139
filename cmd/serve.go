package cmd

import (
	"net"

	"github.com/spf13/cobra"

	"github.com/vlama/vlama/envconfig"
	"github.com/vlama/vlama/server"
)

func NewServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "serve",
		Aliases: []string{"start"},
		Short:   "Start vlama",
		Args:    cobra.ExactArgs(0),
		RunE:    RunServer,
	}
}

func RunServer(_ *cobra.Command, _ []string) error {
	ln, err := net.Listen("tcp", envconfig.Host().Host)
	if err != nil {
		return err
	}

	return server.Serve(ln)
}
