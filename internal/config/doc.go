// Package config loads rtosview settings.
//
// Settings come from three places, later ones winning:
//
//  1. Default()
//  2. a TOML or YAML file, chosen by extension
//  3. RTOSVIEW_* environment variables
//
// A Watcher reloads the file and reports variant manifest changes while
// the viewer runs.
package config
