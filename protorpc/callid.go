package protorpc

import (
	cryrand "crypto/rand"
	mathrand2 "math/rand/v2"
	"sync"

	cristalbase64 "github.com/cristalhq/base64"
)

var chacha8randMut sync.Mutex
var chacha8rand *mathrand2.ChaCha8 = newCryrandSeededChaCha8()

func newCryrandSeededChaCha8() *mathrand2.ChaCha8 {
	var seed [32]byte
	_, err := cryrand.Read(seed[:])
	panicOn(err)
	return mathrand2.NewChaCha8(seed)
}

// NewRequestID returns a fresh 28 character requestId.
// Not cryptographically random; only needs to be unique
// among a communicator's outstanding requests.
func NewRequestID() (rid string) {
	var pseudo [21]byte
	chacha8randMut.Lock()
	chacha8rand.Read(pseudo[:])
	chacha8randMut.Unlock()
	rid = cristalbase64.URLEncoding.EncodeToString(pseudo[:])
	return
}
