package main

import (
	"github.com/alecthomas/kong"
	konghcl "github.com/alecthomas/kong-hcl/v2"
	"github.com/squareup/blockmgr/conf"
	"github.com/squareup/blockmgr/errors"
	plog "github.com/squareup/blockmgr/log"
	"github.com/squareup/blockmgr/server"
)

type arguments struct {
	Config kong.ConfigFlag `help:"Path to config file" type:"existingfile"`
	Log    plog.Config     `help:"Configuration for the logger" embed:"" prefix:"log-"`
	Server conf.Config     `help:"Server configuration" embed:"" prefix:""`
}

type runner struct {
	server *server.Server
}

func (r *runner) run(args []string, start bool) error {
	cfg := arguments{}
	parser, err := kong.New(&cfg, kong.Configuration(konghcl.Loader))
	if err != nil {
		return errors.WithStack(err)
	}
	_, err = parser.Parse(args)
	if err != nil {
		return errors.WithStack(err)
	}
	if err := cfg.Log.Configure(); err != nil {
		return err
	}
	s, err := server.NewServer(cfg.Server)
	if err != nil {
		return err
	}
	r.server = s
	if start {
		if err := s.Start(); err != nil {
			return err
		}
	}
	return nil
}

func (r *runner) getServer() *server.Server {
	return r.server
}
