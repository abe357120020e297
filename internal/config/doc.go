// Package config loads the l402d configuration: a JSON file, the
// .env.shared/.env.secret dotenv overlay and the process environment, in
// increasing order of precedence. The resulting Config is passed explicitly to
// every component constructor.
package config
