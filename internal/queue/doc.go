// Package queue admits nudges and resolves their delivery attempts.
//
// Admission applies two rules before writing anything:
//  1. The same content for the same member and recipe is admitted at most
//     once per calendar day.
//  2. A member receives at most one nudge per cooldown window, across all
//     recipes of a hub. Per-recipe frequency caps belong to the producer.
//
// Workers Claim batches of due items under a lease, hand them to a sender,
// and report the outcome. Failures back off exponentially until MaxRetries
// is spent or the error is Permanent; then the item is dropped from the
// queue and its log entry is marked failed. A claim whose lease lapses
// becomes claimable again, so a crashed worker never strands an item.
package queue
