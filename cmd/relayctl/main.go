// Command relayctl administers a relay's accounts and rooms directly against
// its configured store.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"roomrelay/internal/app"
	"roomrelay/internal/config"
	"roomrelay/internal/storage"
	logx "roomrelay/pkg/logx"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type cli struct {
	cfgPath string
	cfg     *config.Config
	store   storage.Store
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "relayctl",
		Short:         "Manage relay users, rooms and tokens",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.NewConfigManager(c.cfgPath).Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			st, err := app.OpenStore(cfg, logx.Nop())
			if err != nil {
				return err
			}
			c.cfg, c.store = cfg, st
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if c.store != nil {
				return c.store.Close()
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&c.cfgPath, "config", "./relay.yaml", "path to the relay config file")
	root.AddCommand(c.userCmd(), c.roomCmd(), c.tokenCmd())
	return root
}

// password returns the flag value, or the first stdin line when the flag is empty.
func password(cmd *cobra.Command, flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	pw := strings.TrimRight(line, "\r\n")
	if pw == "" {
		return "", fmt.Errorf("password required (--password or stdin)")
	}
	return pw, nil
}

func ctxOf(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
