package session

import (
	"encoding/hex"

	"github.com/zeebo/blake3"

	"github.com/egparedes/hpx-dashboard/internal/model"
)

// lineDomainKey keys the BLAKE3 hash of line identities. Changing it renames
// every persisted line file.
var lineDomainKey = [32]byte{
	'h', 'p', 'x', '-', 'd', 'a', 's', 'h', 'b', 'o', 'a', 'r', 'd', '.', 'l', 'i',
	'n', 'e', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// lineHashBytes is the digest length kept in a line hash.
const lineHashBytes = 16

// LineHash returns the stable identifier of the (counter, instance) line. It
// is used as the lookup key inside a collection and as the line's file name.
func LineHash(counter string, instance model.InstanceDescriptor) string {
	hasher, err := blake3.NewKeyed(lineDomainKey[:])
	if err != nil {
		panic("session: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	_, _ = hasher.Write([]byte(counter))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(instance.String()))
	sum := hasher.Sum(nil)
	return hex.EncodeToString(sum[:lineHashBytes])
}
