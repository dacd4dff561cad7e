// Package model defines the domain types shared across the stevedore CLI:
// deploy targets, image references, port mappings, release records, and the
// CLIError/exit-code machinery used to translate failures into process exit
// codes.
package model
