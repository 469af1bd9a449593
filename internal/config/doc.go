// Package config loads the service configuration from a YAML file.
//
// Values of the form ${VAR} are expanded from the environment before parsing,
// so secrets (database password, price API key, gateway token) can stay out
// of the file.
package config
