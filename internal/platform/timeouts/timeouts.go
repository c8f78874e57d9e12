// Package timeouts defines shared timeout constants used across the turn
// runtime. Centralizing these values prevents drift between components and
// makes the durations discoverable.
package timeouts

import "time"

// BillingDelivery caps one delivery attempt to the billing consumer.
const BillingDelivery = 10 * time.Second

// Finalize caps the finalization transaction for one turn, including the
// paths driven by background sweeps.
const Finalize = 5 * time.Second

// Shutdown limits how long background loops wait for in-flight work during
// graceful shutdown.
const Shutdown = 5 * time.Second
