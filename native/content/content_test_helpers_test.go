package content

import (
	"crypto/sha256"
	"time"

	"golosd/crypto"
)

func testAddr(name string) crypto.Address {
	sum := sha256.Sum256([]byte(name))
	return crypto.MustNewAddress(crypto.NHBPrefix, sum[:20])
}

func fixedNow(t time.Time) func() time.Time {
	return func() time.Time { return t }
}
