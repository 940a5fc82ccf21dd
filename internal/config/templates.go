package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const configTemplate = `# Market Alerts Configuration
# Relative paths are resolved against this file's directory.

[engine]
# Number of alerts evaluated in parallel per check
workers = 8

[store]
# Alert store backend: memory, sqlite
driver = "sqlite"
path = "alerts.db"

[history]
# Trigger history backend: memory, sqlite, redis
# sqlite shares the store database file
driver = "sqlite"
redis_addr = "localhost:6379"
redis_password = ""
redis_db = 0
redis_key = "alerts:history"

[delivery]
# Per-channel delivery timeout
timeout = "5s"
# Maximum webhook requests in flight at once
max_concurrent_webhooks = 8

[delivery.console]
enabled = true

[delivery.file]
# Empty path disables the file channel
path = "triggers.jsonl"
max_size = 50      # MB
max_backups = 3
max_age = 28       # days

[delivery.webhook]
# Empty url disables the webhook channel
url = ""
# Attempts per delivery; 1 disables retries
max_attempts = 1

# Additional webhook channels, registered under the table name:
# [delivery.webhooks.slack]
# url = "https://hooks.example.com/services/..."

[delivery.circuit]
# Consecutive failures before a webhook fails fast (0 disables)
failure_threshold = 5
reset_timeout = "30s"

[server]
addr = "127.0.0.1:8080"

[log]
# debug, info, warn, error, disabled
level = "info"
console = true
file = false
path = "logs/alerts.log"
`

func createTemplateConfig(configDir, name string) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, name+".toml")
	if err := os.WriteFile(path, []byte(configTemplate), 0644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}

	return nil
}

// Template returns the commented default config.toml.
func Template() string {
	return configTemplate
}
