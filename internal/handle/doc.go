// Package handle allocates the opaque 64-bit identifiers that callers use to
// refer to engine instances, and defines their decimal text encoding.
//
// Handles never travel as numbers: a JSON caller stores numbers as doubles,
// which cannot represent every uint64. Format and Parse are the only
// sanctioned conversions between an ID and its boundary form.
package handle
