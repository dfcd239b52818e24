// Package services defines shared utilities consumed by the pipeline
// stages and provider adapters.
//
// Key responsibilities:
//   - Context helpers that stamp job IDs, stage names, provider names, and
//     correlation identifiers for logging and tracing.
//   - The Failure taxonomy that classifies provider errors into kinds
//     (rate_limited, auth, invalid_input, timeout, unavailable, unknown)
//     driving retry, fallback, and rate-budget accounting.
//   - Structured error markers plus the Wrap helper for configuration and
//     validation failures outside the provider path.
//
// Use these helpers when wiring new stage logic so operational behaviour
// (error handling, observability, retries) stays uniform across the pipeline.
package services
