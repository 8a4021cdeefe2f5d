// Package scraper defines the domain types shared by the admission, queueing,
// supervision and telemetry subsystems of the live chat scraper service.
package scraper
