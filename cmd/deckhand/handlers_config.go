package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/deckhand/internal/config"
)

// =============================================================================
// Config Command Handlers
// =============================================================================

func runConfigSchema(cmd *cobra.Command, args []string) error {
	schema, err := config.JSONSchema()
	if err != nil {
		return fmt.Errorf("failed to generate schema: %w", err)
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(schema))
	return err
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(resolveConfigPath(configPath))
	if err != nil {
		return err
	}
	masked := *cfg
	masked.Provider.APIKey = maskSecret(cfg.Provider.APIKey)
	masked.Provider.SecretAccessKey = maskSecret(cfg.Provider.SecretAccessKey)
	masked.Provider.SessionToken = maskSecret(cfg.Provider.SessionToken)

	encoder := yaml.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent(2)
	if err := encoder.Encode(&masked); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return encoder.Close()
}

func maskSecret(secret string) string {
	switch {
	case secret == "":
		return ""
	case len(secret) <= 8:
		return "****"
	default:
		return secret[:4] + "****" + secret[len(secret)-2:]
	}
}
