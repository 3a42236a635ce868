// Package driver defines the capability contract every backend implements
// and the drivers themselves, one file per vendor protocol.
//
// A driver turns one probe of one target into an ordered list of samples.
// Drivers differ wildly in transport — telnet, authenticated REST,
// screen-scraped JSON, local unauthenticated HTTP — but all present the
// same Collect surface, so new backends are added by implementing it,
// never by touching the orchestrator.
package driver
