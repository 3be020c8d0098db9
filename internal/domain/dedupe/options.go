// Package dedupe detects invalid and collusive participant datasets.
package dedupe

// Option applies a configuration option to the Detector.
type Option func(*Detector)

// WithThreshold sets the shared-row count above which two datasets collude.
// Non-positive values are ignored.
func WithThreshold(n int) Option {
	return func(d *Detector) {
		if n > 0 {
			d.threshold = n
		}
	}
}
