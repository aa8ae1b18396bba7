package config

// RedactedConfig returns a copy of cfg with sensitive fields replaced by the
// redaction placeholder "***". Use this when logging or printing the
// active configuration so secrets are never accidentally exposed.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	redact(&out.Coinbase.APISecret)
	redact(&out.Coinbase.SecretPassword)
	out.Coinbase.APIKey = keyPreview(cfg.Coinbase.APIKey)

	redact(&out.Supabase.DSN)
	redact(&out.Supabase.Password)

	redact(&out.Redis.Password)

	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)

	redact(&out.Server.APIKey)
	redact(&out.Server.WebhookSecret)

	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	// Copy slices so callers cannot mutate the original through the redacted
	// copy.
	if cfg.Notify.Events != nil {
		out.Notify.Events = append([]string(nil), cfg.Notify.Events...)
	}
	if cfg.Server.CORSOrigins != nil {
		out.Server.CORSOrigins = append([]string(nil), cfg.Server.CORSOrigins...)
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

// keyPreview keeps enough of an API key name to tell keys apart.
func keyPreview(key string) string {
	if len(key) <= 20 {
		if key == "" {
			return ""
		}
		return redacted
	}
	return key[:20] + "..."
}
