package pebble

import (
	"encoding/binary"
	"fmt"
	"strconv"

	"github.com/olyamironova/trade-execution/internal/domain"
)

// keys:
//
//	o/<order id>                   order json
//	s/<instrument>/<side>          last serial, 8-byte big endian
//	a/<account id>                 account json (cash and holdings)
//	hn/<account id>                last history sequence
//	h/<len>:<account id>/<20-digit seq>  history entry json
//
// The history key length-prefixes the account id so that the scan for "a"
// never reaches the entries of "a/b".
func orderKey(id string) []byte { return []byte("o/" + id) }
func orderPrefix() []byte       { return []byte("o/") }

func serialKey(instrument string, side domain.Side) []byte {
	return []byte("s/" + instrument + "/" + string(side))
}

func accountKey(id string) []byte     { return []byte("a/" + id) }
func historySeqKey(id string) []byte  { return []byte("hn/" + id) }
func historyPrefix(id string) []byte {
	return []byte("h/" + strconv.Itoa(len(id)) + ":" + id + "/")
}
func historyKey(id string, seq uint64) []byte {
	return append(historyPrefix(id), fmt.Sprintf("%020d", seq)...)
}

func encodeUint(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func decodeUint(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

// keyUpperBound returns the smallest key greater than every key with prefix b.
func keyUpperBound(b []byte) []byte {
	end := make([]byte, len(b))
	copy(end, b)
	for i := len(end) - 1; i >= 0; i-- {
		end[i] = end[i] + 1
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
