// Package rows defines the row model that flows through the runtime core:
// typed values, schemas, batches, the lossless binary batch codec used for
// secondary storage, and the canonical fingerprints used as cache keys.
//
// # Batch Codec
//
// EncodeBatch/DecodeBatch are exact inverses: a batch that is spilled and
// reloaded is value-identical to what was appended, and re-encoding a decoded
// batch reproduces the original bytes. Floats travel as raw IEEE-754 bits.
//
// # Fingerprints
//
// PlanFingerprint and ResultFingerprint hash canonical JSON (UTF-16 key order,
// NFC-normalized strings, no HTML escaping) with SHA-256 and a domain prefix.
// Two requests that differ only in Unicode normalization or option order
// produce the same fingerprint.
package rows
