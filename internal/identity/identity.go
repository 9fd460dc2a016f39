// Package identity derives stable reminder keys and notification IDs from
// event content.
//
// Keys deliberately ignore provider-assigned event IDs: sync adapters such
// as Exchange rewrite them without the occurrence itself changing.
package identity

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"hash"
	"strconv"

	"github.com/lightningnetwork/lnd/fn/v2"

	"calremind/internal/model"
)

// Key is the content-derived identity of one (occurrence, reminder offset)
// pair, encoded as 40 lowercase hex characters.
type Key string

// NotificationID is the integer handle the notification sink addresses
// notifications by. It is always non-negative.
type NotificationID int32

// idHexChars is how many leading hex characters of the key feed the ID.
const idHexChars = 8

// ComputeKey hashes the semantically meaningful fields of an occurrence plus
// an optional reminder offset. Instants are hashed as epoch milliseconds so
// the same moment in different zones yields the same key.
func ComputeKey(o model.Occurrence, offset fn.Option[int]) Key {
	h := sha1.New()

	writeField(h, o.CalendarID)
	writeField(h, o.Title)
	writeField(h, strconv.FormatInt(o.Start.UnixMilli(), 10))
	writeField(h, strconv.FormatInt(o.End.UnixMilli(), 10))
	writeField(h, o.Location)
	writeField(h, o.Description)
	writeField(h, strconv.FormatBool(o.AllDay))

	minutes := ""
	offset.WhenSome(func(m int) {
		minutes = strconv.Itoa(m)
	})
	writeField(h, minutes)

	return Key(hex.EncodeToString(h.Sum(nil)))
}

// ReminderKey is ComputeKey for a concrete reminder offset.
func ReminderKey(o model.Occurrence, minutes int) Key {
	return ComputeKey(o, fn.Some(minutes))
}

// writeField length-prefixes each field so that shifting characters between
// adjacent fields always changes the digest.
func writeField(h hash.Hash, s string) {
	fmt.Fprintf(h, "%d:%s;", len(s), s)
}

// NotificationID folds the key into the sink's positive int32 range. Keys
// shorter than eight hex characters or not hex at all hash to 0.
func (k Key) NotificationID() NotificationID {
	if len(k) < idHexChars {
		return 0
	}
	v, err := strconv.ParseUint(string(k[:idHexChars]), 16, 32)
	if err != nil {
		return 0
	}
	return NotificationID(uint32(v) & 0x7fffffff)
}

// Valid reports whether k looks like a key produced by ComputeKey.
func (k Key) Valid() bool {
	if len(k) != sha1.Size*2 {
		return false
	}
	_, err := hex.DecodeString(string(k))
	return err == nil
}

func (k Key) String() string { return string(k) }
