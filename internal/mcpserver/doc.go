// Package mcpserver exposes the snapshot repository as MCP tools.
//
// Tools:
//
//	get_prototype       one prototype by id
//	random_prototype    one prototype chosen uniformly
//	sample_prototypes   up to size distinct prototypes (size <= 1000)
//	prototype_ids       every id in snapshot order
//	analyze_prototypes  smallest and largest id
//	snapshot_stats      size, age, expiry, in-flight flag
//	refresh_snapshot    fetch again; list params optional
//
// Reads never contact the upstream. Prototype payloads are returned as JSON
// text content; the other tools return structured output. A failed refresh
// is reported as a tool error carrying the repository failure message.
package mcpserver
