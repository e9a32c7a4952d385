// Package metrics exposes snapshot state in the Prometheus text format.
//
// Handler builds client_model MetricFamilies on every scrape from the
// repository's Stats, Config and Counters (plus refresher status when wired)
// and writes them with expfmt. Nothing is cached between scrapes.
package metrics
