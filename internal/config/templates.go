package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const configTemplate = `# tradegate configuration

[broker]
# Broker used when --broker is not given: "live" or "paper"
default = "paper"

[angel]
base_url = "https://apiconnect.angelone.in"
stream_url = "wss://smartapisocket.angelone.in/smart-stream"
login_url = "https://smartapi.angelone.in/publisher-login"
# Values sent in the X-ClientLocalIP, X-ClientPublicIP and X-MACAddress headers
client_local_ip = "127.0.0.1"
client_public_ip = "127.0.0.1"
mac_address = "00:00:00:00:00:00"
default_exchange = "NSE"
# Keep-alive interval for the streaming socket
heartbeat_interval = "30s"
# Window used for historical candles
history_lookback = "4380h"
timeout = "15s"
# Consecutive transport or 5xx failures before REST calls fail fast (negative disables)
breaker_threshold = 5
breaker_cooldown = "30s"

[paper]
initial_balance = 1000000.0
# Interval between synthetic ticks
tick_interval = "1s"
# Maximum relative noise applied to synthesized quotes
volatility = 0.01
# Maximum relative move per synthetic tick
stream_volatility = 0.005

[session]
# Refresh live sessions older than this before the next call ("0s" disables)
refresh_after = "6h"

[store]
# path = "~/.config/tradegate/sessions.db"
# Encrypt stored tokens (key from TRADEGATE_STORE_KEY)
encrypt = true

[logging]
level = "info"
console = true
file = true
max_size = 100
max_backups = 7
max_age = 30
`

const credentialsTemplate = `# tradegate credentials
# WARNING: Keep this file secure! Do not commit to version control.

[angel]
api_key = ""
client_code = ""
# Trading PIN
password = ""
# Base32 TOTP secret; used when --totp is not given
totp_secret = ""
`

func createTemplateConfig(configDir string) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, "config.toml")
	if err := os.WriteFile(path, []byte(configTemplate), 0644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}

	return nil
}

func createTemplateCredentials(configDir string) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, "credentials.toml")
	// Use restricted permissions for credentials file
	if err := os.WriteFile(path, []byte(credentialsTemplate), 0600); err != nil {
		return fmt.Errorf("writing credentials template: %w", err)
	}

	return nil
}
