// Package config loads and validates the relay's YAML configuration.
//
// Configuration files support ${VAR_NAME} environment variable expansion
// and Go duration strings ("1s", "500ms") for the timing fields. Zero or
// missing relay tuning values fall back to package defaults at wiring time.
package config
