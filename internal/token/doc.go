// Package token caches long-lived backend auth tokens per account.
//
// The cache is persisted to a small JSON file shared with the
// homeprobe-login tool, so login flows that need interactive second-factor
// input never run inside the serving process. Refreshes are deduplicated
// per account: concurrent probes needing the same token share one login
// attempt and observe its single outcome.
package token
