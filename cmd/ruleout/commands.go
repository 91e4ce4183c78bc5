package main

import (
	"github.com/spf13/cobra"

	"ruleout-go/internal/config"
	"ruleout-go/pkg/log"
)

var (
	configPath string
	language   string
	logLevel   string

	cfg config.Config

	rootCmd = &cobra.Command{
		Use:           "ruleout",
		Short:         "Terminal client for the veterinary Q&A backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load(configPath)
			if err != nil {
				return err
			}
			cfg = loaded
			log.Init(logLevel, "console", "")
			return nil
		},
	}

	askCmd = &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask a single question and stream the answer",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runAsk,
	}

	chatCmd = &cobra.Command{
		Use:   "chat",
		Short: "Interactive multi-turn session (type /new to reset, /quit to exit)",
		RunE:  runChat,
	}

	tokenCmd = &cobra.Command{
		Use:   "token [user-id]",
		Short: "Issue a signed access token for local testing",
		Args:  cobra.ExactArgs(1),
		RunE:  runToken,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.yaml (defaults and RULEOUT_* env vars apply)")
	rootCmd.PersistentFlags().StringVarP(&language, "lang", "l", "", "answer language: 한국어, English or 日本語")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level")

	rootCmd.AddCommand(askCmd, chatCmd, tokenCmd)
}
