// Package config loads the library's tunables from EVENTBOX_* environment
// variables and converts them into the option and config types the individual
// packages expect. Host applications that prefer wiring everything in code
// can ignore it entirely.
package config
