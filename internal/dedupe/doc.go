// Package dedupe suppresses webhook redeliveries: each adapter keeps a
// bounded TTL window of event ids and drops anything it has already seen.
package dedupe
