// Package config loads the foundation TOML configuration file.
//
// A file overlays the defaults; unknown keys are rejected:
//
//	[log]
//	level = "debug"
//	format = "json"
//
//	[persist]
//	root = "/srv/foundation/persist"
//
//	[journal]
//	enabled = true
//	path = "/var/lib/foundation/journal.db"
//
//	[metrics]
//	textfile = "/var/lib/node_exporter/textfile/foundation.prom"
//
//	[tracing]
//	enabled = true
//	exporter = "otlp"
//	endpoint = "collector:4317"
//
//	[runner]
//	path = "/usr/local/libexec/foundation-runner"
//	sudo = true
//	ttl = "15m"
//
//	[runner.ssh]
//	host = "build01.example.com"
//	user = "deploy"
//	auth = "agent"
package config
