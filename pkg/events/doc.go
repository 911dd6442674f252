// Package events provides a small publish/subscribe broker for control-plane
// events. Its main consumer is the configuration API: long-polling agents are
// woken by configuration.changed events instead of busy-polling the store.
// Slow subscribers are skipped rather than blocking the broker; every event
// is re-derivable from the store, so a dropped notification only delays a
// subscriber until its next timer tick.
package events
