package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pixelbao/chatflow/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the ChatFlow configuration",
	}

	cmd.AddCommand(newConfigInitCmd())
	cmd.AddCommand(newConfigCheckCmd())
	cmd.AddCommand(newConfigPathCmd())
	return cmd
}

const sampleConfig = `# ChatFlow configuration
logging:
  level: info

engine:
  concurrencyInSession: 4
  workerPoolSize: 8
  emptyReplyRetryCount: 2
  gachaDefaultCount: 3
  gachaMaxCount: 20
  imageGraceSeconds: 10
  singleChatPrefix: [""]
  imageCreatePrefix: ["draw"]
  gachaPrefix: ["gacha"]
  # groupNameWhiteList: ["ALL_GROUP"]
  # groupChatPrefix: ["@bot"]

bot:
  apiBase: https://api.example.com/v1
  apiKey: ${CHATFLOW_BOT_API_KEY}
  model: gpt-4o-mini
  timeoutSeconds: 120

# imageGen:
#   model: nano-banana
#   imageSize: 4K

# notify:
#   webhookUrl: https://open.example.com/webhook/xxx
#   mentions: ["@ops"]

bridge:
  listen: 127.0.0.1:18790
  path: /bridge
  # token: ${CHATFLOW_BRIDGE_TOKEN}
`

func newConfigInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(paths.Config); err == nil && !force {
				return fmt.Errorf("%s already exists, use --force to overwrite", paths.Config)
			}
			if err := paths.EnsureDirs(); err != nil {
				return err
			}
			if err := os.WriteFile(paths.Config, []byte(sampleConfig), 0o600); err != nil {
				return err
			}
			fmt.Println("wrote", paths.Config)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func newConfigCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(paths.Config)
			if err != nil {
				return err
			}
			issues := config.Validate(&cfg)
			if len(issues) == 0 {
				fmt.Println("config ok")
				return nil
			}
			for _, issue := range issues {
				fmt.Printf("%s: %s\n", issue.Path, issue.Message)
			}
			return fmt.Errorf("%d issue(s)", len(issues))
		},
	}
}

func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(paths.Config)
		},
	}
}
