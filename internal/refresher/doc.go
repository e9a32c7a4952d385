// Package refresher keeps the snapshot fresh in the background.
//
// Run calls RefreshSnapshot every interval. After a failure it retries with
// truncated exponential backoff (x2 per failure, ±25% jitter, capped at
// backoff_max) and returns to the regular interval on the next success. The
// last 20 outcomes feed Status().SuccessPct.
package refresher
