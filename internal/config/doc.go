// Package config loads and validates the daemon configuration file.
package config
