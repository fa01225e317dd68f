package cli

import (
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// NewDoctorCmd checks configuration and daemon reachability.
func NewDoctorCmd(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Validate configuration and check daemon health",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			cmd.Printf("config: ok (provider=%s, model=%s)\n", cfg.LLM.Provider, cfg.LLM.Model)

			active := strings.ToLower(strings.TrimSpace(cfg.LLM.Provider))
			vendor := cfg.Vendors[active]
			if strings.TrimSpace(vendor.APIKey) == "" {
				cmd.Printf("warning: no api key configured for %s\n", active)
			} else {
				cmd.Printf("credentials: ok (%s)\n", active)
			}

			cmd.Printf("tool backend: %s\n", cfg.Tools.BackendURL)

			baseURL := daemonURL(cfg.Server.Addr)
			if err := waitForDaemon(cmd.Context(), baseURL, 2*time.Second); err != nil {
				cmd.Printf("daemon: not running (%v)\n", err)
				return nil
			}
			cmd.Printf("daemon: ok (%s)\n", baseURL)
			return nil
		},
	}
}
