package fallback

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/lightningnetwork/lnd/tlv"
	"github.com/lightningnetwork/torcirc/linkspec"
	"github.com/lightningnetwork/torcirc/persist"
)

// StoreKey is the key under which fallback health is persisted.
const StoreKey = "fallback_status"

const (
	typeEd25519    tlv.Type = 0
	typeRSA        tlv.Type = 2
	typeFailures   tlv.Type = 4
	typeRetryDelay tlv.Type = 6
	typeRetryAt    tlv.Type = 8
)

// SaveStatus persists the status of every fallback that has failed since
// its last success. Healthy fallbacks need no record.
func (s *Set) SaveStatus(store persist.Store) error {
	if !store.CanStore() {
		return persist.ErrReadOnly
	}

	s.mu.Lock()
	var (
		b   bytes.Buffer
		buf [8]byte
		n   uint64
	)
	for _, e := range s.entries {
		if e.status.failures > 0 {
			n++
		}
	}
	err := tlv.WriteVarInt(&b, n, &buf)
	for _, e := range s.entries {
		if err != nil || e.status.failures == 0 {
			continue
		}
		err = encodeEntry(&b, e)
	}
	s.mu.Unlock()

	if err != nil {
		return fmt.Errorf("unable to encode fallback status: %w", err)
	}

	return store.Store(StoreKey, b.Bytes())
}

func encodeEntry(w io.Writer, e *entry) error {
	var (
		ids        = e.dir.IDs()
		ed         = [32]byte(ids.Ed25519)
		rsa        = ids.RSA[:]
		failures   = e.status.failures
		retryDelay = uint64(e.status.retryDelay)
		retryAt    = uint64(e.status.retryAt.UnixNano())
	)

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(typeEd25519, &ed),
		tlv.MakePrimitiveRecord(typeRSA, &rsa),
		tlv.MakeBigSizeRecord(typeFailures, &failures),
		tlv.MakeBigSizeRecord(typeRetryDelay, &retryDelay),
		tlv.MakeBigSizeRecord(typeRetryAt, &retryAt),
	)
	if err != nil {
		return err
	}

	var b bytes.Buffer
	if err := stream.Encode(&b); err != nil {
		return err
	}

	var buf [8]byte
	if err := tlv.WriteVarInt(w, uint64(b.Len()), &buf); err != nil {
		return err
	}
	_, err = w.Write(b.Bytes())

	return err
}

// LoadStatus restores fallback health saved by SaveStatus. Saved fallbacks
// that are no longer configured are ignored.
func (s *Set) LoadStatus(store persist.Store) error {
	stored, err := store.Load(StoreKey)
	if err != nil {
		return err
	}
	if stored.IsNone() {
		return nil
	}

	r := bytes.NewReader(stored.UnwrapOr(nil))

	var buf [8]byte
	n, err := tlv.ReadVarInt(r, &buf)
	if err != nil {
		return fmt.Errorf("unable to decode fallback status: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var loaded int
	for i := uint64(0); i < n; i++ {
		ids, status, err := decodeEntry(r)
		if err != nil {
			return fmt.Errorf("unable to decode fallback "+
				"status: %w", err)
		}

		if e, ok := s.find(ids); ok {
			e.status = status
			loaded++
		}
	}

	log.Infof("Loaded status of %d fallback directories", loaded)

	return nil
}

func decodeEntry(r io.Reader) (linkspec.RelayIDs, Status, error) {
	var (
		ids        linkspec.RelayIDs
		status     Status
		ed         [32]byte
		rsa        []byte
		retryDelay uint64
		retryAt    uint64
		buf        [8]byte
	)

	size, err := tlv.ReadVarInt(r, &buf)
	if err != nil {
		return ids, status, err
	}

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(typeEd25519, &ed),
		tlv.MakePrimitiveRecord(typeRSA, &rsa),
		tlv.MakeBigSizeRecord(typeFailures, &status.failures),
		tlv.MakeBigSizeRecord(typeRetryDelay, &retryDelay),
		tlv.MakeBigSizeRecord(typeRetryAt, &retryAt),
	)
	if err != nil {
		return ids, status, err
	}
	if err := stream.Decode(io.LimitReader(r, int64(size))); err != nil {
		return ids, status, err
	}

	ids.Ed25519 = ed
	ids.RSA, err = linkspec.RSAIDFromBytes(rsa)
	if err != nil {
		return ids, status, err
	}

	status.retryDelay = time.Duration(retryDelay)
	status.retryAt = time.Unix(0, int64(retryAt))

	return ids, status, nil
}
