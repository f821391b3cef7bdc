// Package main hosts the scout entrypoint.
//
// Architecture overview:
//   - Discovery: internal/search fans a query out to every configured source
//     (static seeds, Serper, DuckDuckGo) with a per-source timeout, then merges
//     and normalizes the hits. internal/relevance scores each candidate 0..100
//     through an oracle (keyword heuristic or Ollama) behind an LRU score cache.
//   - Expansion: internal/spider walks outbound links breadth-first from the
//     admitted seeds, bounded by depth, fan-out, and a total URL cap, and scores
//     children before they reach the frontier. Edges go to Neo4j when
//     configured.
//   - Routing: internal/classifier probes each domain once per TTL and maps
//     what it sees to a protection category. internal/strategy turns that into
//     an ordered capability chain, dropping capabilities with no healthy
//     credential and reordering by observed per-domain success.
//   - Scheduling: internal/scheduler keeps one priority queue per capability
//     over a pluggable job store (memory, SQLite, Postgres), with exponential
//     backoff, escalation along the chain, and dead-lettering.
//   - Retrieval: internal/worker runs one bounded pool per capability. Workers
//     lease credentials from internal/credential, pace requests through
//     internal/policy/ratelimit, skip mirrored content via internal/dedup, and
//     hand results to internal/sink (memory, local disk, GCS, Kafka).
//   - Lifecycle: internal/events batches job milestones to the log, Prometheus,
//     and the dead-letter notifier (Pub/Sub). internal/api serves health,
//     metrics, and operator routes. internal/server wires it all from config.
//
// Operational notes:
//   - `scout discover <query>` runs one pass and exits once the queue drains.
//   - `scout serve` runs until SIGINT/SIGTERM, then drains with a grace period
//     and persists unfinished jobs as interrupted for the next start.
package main
