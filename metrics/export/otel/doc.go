// Package otel exports engine metrics through an OpenTelemetry meter
// using observable instruments, so collection cost is paid per scrape
// rather than per request.
package otel
