// Package config loads the mcp-gatekeeper binary configuration.
//
// Values are resolved in this order, later sources winning:
//
//  1. built-in defaults (Default)
//  2. the YAML file passed with --config
//  3. GATEKEEPER_* environment variables, after .env files are loaded
//
// .env files never override variables already set in the process environment.
package config
