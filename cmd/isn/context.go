package main

import (
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/albatrossmedia/ISN-MVP/internal/config"
	"github.com/albatrossmedia/ISN-MVP/internal/ipc"
)

type commandContext struct {
	configFlag *string
	apiFlag    *string
	jsonFlag   *bool

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(configFlag, apiFlag *string, jsonFlag *bool) *commandContext {
	return &commandContext{
		configFlag: configFlag,
		apiFlag:    apiFlag,
		jsonFlag:   jsonFlag,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		cfg, _, _, err := config.Load(c.configPath())
		if err != nil {
			c.configErr = err
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

func (c *commandContext) configPath() string {
	if c.configFlag == nil {
		return ""
	}
	return strings.TrimSpace(*c.configFlag)
}

func (c *commandContext) jsonOutput() bool {
	return c.jsonFlag != nil && *c.jsonFlag
}

// apiBaseURL prefers --api over the configured bind address.
func (c *commandContext) apiBaseURL(cfg *config.Config) string {
	if c.apiFlag != nil {
		if override := strings.TrimSpace(*c.apiFlag); override != "" {
			return override
		}
	}
	return cfg.APIBaseURL()
}

func (c *commandContext) dialClient() (*ipc.Client, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	return ipc.Dial(c.apiBaseURL(cfg), cfg.API.Token)
}

func (c *commandContext) withClient(fn func(*ipc.Client) error) error {
	client, err := c.dialClient()
	if err != nil {
		return err
	}
	defer client.Close()
	return fn(client)
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}
