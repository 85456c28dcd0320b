// Package watch detects modifications of the pipeline's output artifacts.
//
// A WatchSet holds the fixed list of artifact paths with the last modification
// time observed for each. The Detector compares current modification times
// against that memory and reports the basenames that strictly advanced; a
// Monitor drives the Detector on a fixed cadence, optionally woken early by
// filesystem events, and hands non-empty results to a handler.
//
// Missing files read as the zero time and are never reported. Ties and
// decreases are ignored, so a file is reported at most once per strict
// increase.
package watch
