// Package retention periodically prunes stored attempt results older than a
// configured age.
package retention
