package config

// RedactedConfig returns a copy of cfg with sensitive fields replaced by the
// redaction placeholder "***". Use this when logging or printing the active
// configuration so secrets are never accidentally exposed.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	redact(&out.Engine.APIKey)
	redact(&out.Engine.APISecret)
	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)
	redact(&out.Redis.Password)
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)
	redact(&out.Server.APIKey)
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	// Copy slices and maps so callers cannot mutate the original through the
	// redacted copy.
	out.Exchanges = append([]string(nil), cfg.Exchanges...)
	out.Notify.Events = append([]string(nil), cfg.Notify.Events...)
	out.Coordinator.ArbitragePairs = append([]string(nil), cfg.Coordinator.ArbitragePairs...)
	if cfg.Coordinator.PortfolioTargets != nil {
		out.Coordinator.PortfolioTargets = make(map[string]float64, len(cfg.Coordinator.PortfolioTargets))
		for k, v := range cfg.Coordinator.PortfolioTargets {
			out.Coordinator.PortfolioTargets[k] = v
		}
	}

	return out
}

const redacted = "***"

// redact replaces a non-empty string with the redacted placeholder.
func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}
