package content

import (
	"encoding/hex"
	"hash"
	"strconv"

	"golang.org/x/crypto/blake2b"
)

// digest accumulates a canonical, length-prefixed encoding of record fields.
type digest struct {
	h hash.Hash
}

func newDigest(kind Kind) *digest {
	h, _ := blake2b.New256(nil) // only fails for oversized keys
	d := &digest{h: h}
	d.text("kind", string(kind))
	return d
}

func (d *digest) text(name, v string) {
	d.h.Write([]byte(name))
	d.h.Write([]byte{0})
	d.h.Write([]byte(strconv.Itoa(len(v))))
	d.h.Write([]byte{0})
	d.h.Write([]byte(v))
}

func (d *digest) int(name string, v int) {
	d.text(name, strconv.Itoa(v))
}

func (d *digest) list(name string, vs []string) {
	d.int(name+"#", len(vs))
	for _, v := range vs {
		d.text(name, v)
	}
}

func (d *digest) sum() string {
	return hex.EncodeToString(d.h.Sum(nil))
}
