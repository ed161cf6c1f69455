package main

import (
	"strings"

	"soundpress/internal/config"
)

// commandContext carries lazily-resolved configuration shared by every
// subcommand.
type commandContext struct {
	serverFlag *string
	tokenFlag  *string
	configFlag *string

	cfg        *config.Config
	cfgPath    string
	cfgMissing bool
}

func newCommandContext(serverFlag, tokenFlag, configFlag *string) *commandContext {
	return &commandContext{
		serverFlag: serverFlag,
		tokenFlag:  tokenFlag,
		configFlag: configFlag,
	}
}

// ensureConfig loads configuration once. A missing config file is not an
// error; commands fall back to defaults and flags.
func (c *commandContext) ensureConfig() (*config.Config, error) {
	if c.cfg != nil {
		return c.cfg, nil
	}
	path := ""
	if c.configFlag != nil {
		path = strings.TrimSpace(*c.configFlag)
	}
	cfg, resolved, found, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	c.cfg = cfg
	c.cfgPath = resolved
	c.cfgMissing = !found
	return cfg, nil
}

// apiClient builds a daemon client from flags and configuration. Flags win.
func (c *commandContext) apiClient() (*client, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}

	server := ""
	if c.serverFlag != nil {
		server = strings.TrimSpace(*c.serverFlag)
	}
	if server == "" {
		server = strings.TrimSpace(cfg.Paths.APIBind)
	}

	token := ""
	if c.tokenFlag != nil {
		token = strings.TrimSpace(*c.tokenFlag)
	}
	if token == "" {
		token = strings.TrimSpace(cfg.Paths.APIToken)
	}

	return newClient(server, token)
}
