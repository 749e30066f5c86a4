package dmthin

import (
	"crypto/sha256"
	"encoding/hex"
)

// runKeyNamespace is a stable, process-wide namespace used when deriving
// deterministic run keys from idempotency keys (resource kind + name).
//
// The exact value is not externally visible, but must remain stable over time
// so that the same resource always yields the same run key.
const runKeyNamespace = "dmthin-v1"

// DeriveRunKey deterministically derives a provisioning run key from a
// resource kind ("pool", "volume", "snapshot") and its addressable name.
//
// This function is the single source of truth for provisioning idempotency:
// repeated requests for the same resource produce the same key and therefore
// converge on the same FSM run, so a crashed provisioning attempt is resumed
// rather than duplicated.
//
// The returned key is a lowercase hexadecimal string with a "run_" prefix,
// making it easily identifiable in logs and databases.
func DeriveRunKey(kind, name string) string {
	h := sha256.Sum256([]byte(runKeyNamespace + ":" + kind + ":" + name))
	return "run_" + hex.EncodeToString(h[:])
}
