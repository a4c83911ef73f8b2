// Package reports implements the scheduled report workflow: the due-check
// over report configurations, date-range resolution, analytics gathering
// through the insights façade, rendering and delivery behind the Exporter
// and Mailer interfaces, and the pending -> processing -> sent/failed
// delivery state machine with bounded retries. Every run leaves a delivery
// record, failures included.
package reports
