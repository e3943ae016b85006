package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/MEKXH/tether/internal/client"
	"github.com/MEKXH/tether/internal/config"
)

const requestTimeout = 30 * time.Second

// operatorClient resolves the gateway address and credentials from flags,
// falling back to the local config.
func operatorClient() (*client.Client, error) {
	server := strings.TrimSpace(serverOverride)
	token := strings.TrimSpace(tokenOverride)
	if server == "" || token == "" {
		cfg, err := config.Load()
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		if server == "" {
			server = "http://" + cfg.Gateway.Addr()
		}
		if token == "" {
			token = cfg.Gateway.Token
		}
	}
	if !strings.Contains(server, "://") {
		server = "http://" + server
	}
	return client.New(server, token), nil
}

func commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), requestTimeout)
}
