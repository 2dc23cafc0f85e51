package spill

import (
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"github.com/golang/snappy"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/roach88/fedq/internal/failure"
)

// Sealer wraps a Store, compressing and/or encrypting blocks on the way
// out and reversing it on the way back. The key is generated per process,
// so sealed blocks are unreadable once the process exits.
type Sealer struct {
	Store
	compress bool
	aead     cipher.AEAD
}

// NewSealer wraps inner. With both flags false it is a pass-through.
func NewSealer(inner Store, compress, encrypt bool) (*Sealer, error) {
	s := &Sealer{Store: inner, compress: compress}
	if encrypt {
		key := make([]byte, chacha20poly1305.KeySize)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate spill key: %w", err)
		}
		aead, err := chacha20poly1305.NewX(key)
		if err != nil {
			return nil, fmt.Errorf("init spill cipher: %w", err)
		}
		s.aead = aead
	}
	return s, nil
}

// Write implements Store.
func (s *Sealer) Write(key string, data []byte) (Location, error) {
	if s.compress {
		data = snappy.Encode(nil, data)
	}
	if s.aead != nil {
		nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(data)+s.aead.Overhead())
		if _, err := rand.Read(nonce); err != nil {
			return Location{}, failure.IOFailure("spill.Seal", err)
		}
		// key is bound as associated data so blocks cannot be swapped between buffers
		data = s.aead.Seal(nonce, nonce, data, []byte(key))
	}
	return s.Store.Write(key, data)
}

// Read implements Store.
func (s *Sealer) Read(loc Location) ([]byte, error) {
	data, err := s.Store.Read(loc)
	if err != nil {
		return nil, err
	}
	if s.aead != nil {
		ns := s.aead.NonceSize()
		if len(data) < ns {
			return nil, failure.IOFailure("spill.Unseal", fmt.Errorf("sealed block %s too short", loc))
		}
		data, err = s.aead.Open(nil, data[:ns], data[ns:], []byte(loc.Key))
		if err != nil {
			return nil, failure.IOFailure("spill.Unseal", err)
		}
	}
	if s.compress {
		data, err = snappy.Decode(nil, data)
		if err != nil {
			return nil, failure.IOFailure("spill.Decompress", err)
		}
	}
	return data, nil
}
