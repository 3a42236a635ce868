// Package probe runs one scrape end to end: resolve the module and target,
// route through an SSH forward when configured, invoke the backend driver
// under a deadline, and classify the outcome. A misbehaving driver (slow,
// panicking, or unauthorized) degrades to a failed result, never to a
// failed HTTP exchange.
package probe
