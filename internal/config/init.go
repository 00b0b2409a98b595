package config

import (
	"fmt"
	"os"
)

const starterConfig = `# backplane configuration
logging:
  level: info
  format: text

metrics:
  enabled: true

nats:
  enabled: false
  url: nats://localhost:4222

deploy:
  listen: ":8080"
  auth_token: ${BACKPLANE_AUTH_TOKEN}
  store_path: backplane-deploy.db
  backend_events_url: ""
  backend_token: ${BACKEND_EVENTS_TOKEN}
  private_key: ${BUILD_ENV_PRIVATE_KEY}
  sandbox:
    mode: local
    workspace_dir: /tmp/backplane-builds
  provider:
    base_url: https://api.cloudflare.com/client/v4/accounts/${CF_ACCOUNT_ID}
    api_token: ${CF_API_TOKEN}
    dispatch_namespace: kilocode-apps

observe:
  listen: ":8081"
  admin_token: ${BACKPLANE_ADMIN_TOKEN}
  analytics:
    driver: sqlite
    dsn: backplane-analytics.db
  alerting:
    enabled: true
    page_webhook: ${SLACK_PAGE_WEBHOOK}
    ticket_webhook: ${SLACK_TICKET_WEBHOOK}
    error_rate:
      - model: example-model
        enabled: true
        error_rate_slo: 0.999
        min_requests_per_window: 10
    ttfb:
      - model: example-model
        enabled: true
        ttfb_threshold_ms: 2000
        ttfb_slo: 0.95
        min_requests_per_window: 10
  session:
    store_path: backplane-sessions.db
`

// Init writes a starter configuration file.
func Init(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("configuration file already exists: %s (use --force to overwrite)", path)
	}
	if err := os.WriteFile(path, []byte(starterConfig), 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}
