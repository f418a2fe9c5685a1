// Package monitor tracks converter throughput and serves it over HTTP:
// JSON status endpoints, an echarts rate chart, a PNG snapshot of the
// latest frame and the tsweb debug index.
package monitor
