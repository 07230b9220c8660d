// Package solarwatch implements an energy telemetry aggregation service.
//
// # Architecture
//
// The service is structured into several key packages:
//   - api: authenticated client for the upstream telemetry API and the
//     OAuth refresh-token cache
//   - cache: disk-backed response and report caches
//   - aggregator: per-site orchestration and daily rollups
//   - scheduler: periodic background fetching
//   - server: HTTP surface for the display layer
//
// Key Features
//
//   - Two-tier caching:
//     A URL-keyed response cache (60s TTL, 20 entries, debounced disk
//     persistence) deduplicates endpoint calls, and a single-slot report
//     cache serves the last aggregation, stale if need be, when a live
//     fetch fails.
//
//   - Rate-limit awareness:
//     Sites are fetched sequentially, outbound requests pass through a
//     client-side limiter, and an upstream 429 backs the whole fetch off
//     for the advertised wait before retrying.
//
//   - Detached fetches:
//     A fetch run owns its own cancellation; a display-layer trigger that
//     stops waiting never aborts in-progress network work.
//
// For more information about specific packages, see their respective
// documentation.
package solarwatch
