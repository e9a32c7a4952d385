// Package config loads and watches the protosnap configuration file.
//
// Top-level types:
//   - Config{Upstream, Snapshot, Refresh, HTTP, Log, Telemetry}: full config tree
//   - UpstreamConfig: ProtoPedia base_url, token_env, timeout, user_agent, tls
//   - SnapshotConfig: ttl, max_data_size_bytes and the default list parameters
//   - RefreshConfig: background refresh interval and failure backoff bounds
//   - HTTPConfig: listen addr, API key auth and WebSocket broadcast interval
//
// Load(path) reads YAML, or TOML when the file ends in .toml, applies
// defaults (30m TTL, 10 MiB size ceiling, limit 10, :8080) and validates.
//
// Watch(ctx, path, onChange) uses fsnotify to detect file changes and calls
// onChange with the newly parsed Config. Only log.level and the snapshot
// defaults are applied live; everything else needs a restart.
package config
