// Package exposition renders probe results as Prometheus text exposition
// format. Sample order is preserved as produced by the driver, so scraping
// an unchanged device twice yields byte-identical output.
package exposition
