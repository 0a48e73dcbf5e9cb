package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/vagusloop/breathkernel/internal/domain"
	"github.com/vagusloop/breathkernel/internal/errs"
)

// CreateSessionKey generates and wraps a new session key, persists the
// wrapped form, and returns the plaintext key for immediate use by the
// writer. Called on SessionStarted.
func (s *Store) CreateSessionKey(sessionID [16]byte) ([]byte, error) {
	sessionKey, wrapped, nonce, err := wrapSessionKey(s.masterKey)
	if err != nil {
		return nil, err
	}
	_, err = s.db.Exec(`INSERT INTO session_keys(session_id, wrapped_key, wrap_nonce) VALUES (?, ?, ?)`,
		sessionID[:], wrapped, nonce[:])
	if err != nil {
		return nil, errs.Wrap(errs.KindIO, "create_session_key", "insert session_keys row", err)
	}
	return sessionKey, nil
}

// LoadSessionKey unwraps and returns the plaintext key for sessionID, or a
// NotFound error if the session has been crypto-shredded or never existed.
func (s *Store) LoadSessionKey(sessionID [16]byte) ([]byte, error) {
	var wrapped []byte
	var nonceB []byte
	err := s.db.QueryRow(`SELECT wrapped_key, wrap_nonce FROM session_keys WHERE session_id = ?`, sessionID[:]).
		Scan(&wrapped, &nonceB)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.KindNotFound, "load_session_key", fmt.Sprintf("no session key for %x", sessionID))
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindIO, "load_session_key", "query session_keys", err)
	}
	var nonce [24]byte
	copy(nonce[:], nonceB)
	return unwrapSessionKey(s.masterKey, wrapped, nonce)
}

// DeleteSessionKey crypto-shreds a session: the wrapped key row is
// removed, making existing ciphertext unrecoverable. Event rows are left
// untouched.
func (s *Store) DeleteSessionKey(sessionID [16]byte) error {
	_, err := s.db.Exec(`DELETE FROM session_keys WHERE session_id = ?`, sessionID[:])
	if err != nil {
		return errs.Wrap(errs.KindIO, "delete_session_key", "delete session_keys row", err)
	}
	return nil
}

// EncodedEnvelope pairs an Envelope with its canonical plaintext, the unit
// AppendBatch actually persists.
type EncodedEnvelope struct {
	Envelope domain.Envelope
	Payload  []byte
}

// AppendBatch executes the TOCTOU-safe append protocol from spec §4.9:
// pre-validate the batch's own sequence, open an IMMEDIATE transaction,
// verify it is contiguous with the database's current max seq, encrypt and
// INSERT OR IGNORE each envelope, verify every row actually inserted, and
// record a success or failure row in append_log inside the same
// transaction boundary.
func (s *Store) AppendBatch(sessionID [16]byte, sessionKey []byte, batch []EncodedEnvelope, now time.Time) error {
	if err := validateBatchSequence(batch); err != nil {
		return err
	}

	if _, err := s.db.Exec(`BEGIN IMMEDIATE`); err != nil {
		return errs.Wrap(errs.KindIO, "append_batch", "begin immediate", err)
	}
	committed := false
	defer func() {
		if !committed {
			s.db.Exec(`ROLLBACK`)
		}
	}()

	var maxSeq sql.NullInt64
	if err := s.db.QueryRow(`SELECT COALESCE(MAX(seq), 0) FROM events WHERE session_id = ?`, sessionID[:]).Scan(&maxSeq); err != nil {
		return errs.Wrap(errs.KindIO, "append_batch", "select max seq", err)
	}

	expected := uint64(maxSeq.Int64) + 1
	seqStart := batch[0].Envelope.Seq
	seqEnd := batch[len(batch)-1].Envelope.Seq

	if seqStart != expected {
		s.logAppendAttempt(sessionID, now, seqStart, seqEnd, len(batch), false,
			fmt.Sprintf("expected seq=%d got=%d", expected, seqStart))
		s.db.Exec(`COMMIT`)
		committed = true
		return errs.NewInvalidSequence("append_batch", expected, seqStart, sessionID)
	}

	inserted := 0
	for _, e := range batch {
		ciphertext, nonce, err := encryptEnvelope(sessionKey, e.Envelope, e.Payload)
		if err != nil {
			return err
		}
		res, err := s.db.Exec(`INSERT OR IGNORE INTO events
			(session_id, seq, ts_us, event_type, payload_ct, payload_nonce, meta, hash_version)
			VALUES (?, ?, ?, ?, ?, ?, ?, 1)`,
			sessionID[:], e.Envelope.Seq, e.Envelope.TsUs, uint16(e.Envelope.Kind), ciphertext, nonce[:], e.Envelope.Meta)
		if err != nil {
			return errs.Wrap(errs.KindIO, "append_batch", "insert event row", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return errs.Wrap(errs.KindIO, "append_batch", "rows affected", err)
		}
		inserted += int(n)
	}

	if inserted < len(batch) {
		s.logAppendAttempt(sessionID, now, seqStart, seqEnd, len(batch), false,
			fmt.Sprintf("inserted=%d total=%d", inserted, len(batch)))
		s.db.Exec(`COMMIT`)
		committed = true
		return errs.NewSequenceConflict("append_batch", inserted, len(batch))
	}

	s.logAppendAttempt(sessionID, now, seqStart, seqEnd, len(batch), true, "")

	if _, err := s.db.Exec(`COMMIT`); err != nil {
		return errs.Wrap(errs.KindIO, "append_batch", "commit", err)
	}
	committed = true
	return nil
}

func (s *Store) logAppendAttempt(sessionID [16]byte, now time.Time, seqStart, seqEnd uint64, count int, success bool, errMsg string) {
	successInt := 0
	if success {
		successInt = 1
	}
	s.db.Exec(`INSERT INTO append_log
		(session_id, attempt_ts_us, seq_start, seq_end, event_count, success, error_msg)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sessionID[:], now.UnixMicro(), seqStart, seqEnd, count, successInt, errMsg)
}

func validateBatchSequence(batch []EncodedEnvelope) error {
	if len(batch) == 0 {
		return errs.New(errs.KindBatchValidation, "append_batch", "empty batch")
	}
	for i := 1; i < len(batch); i++ {
		if batch[i].Envelope.Seq != batch[i-1].Envelope.Seq+1 {
			return errs.New(errs.KindBatchValidation, "append_batch",
				fmt.Sprintf("non-contiguous seq at index %d: %d -> %d", i, batch[i-1].Envelope.Seq, batch[i].Envelope.Seq))
		}
	}
	return nil
}

// LoadSessionEnvelopes returns every envelope for sessionID in seq order,
// decrypted, for replay. sessionKey must be the unwrapped key for the
// session; a tampered ciphertext surfaces as a CryptoError and aborts
// replay immediately per spec §8 scenario 6.
func (s *Store) LoadSessionEnvelopes(sessionID [16]byte, sessionKey []byte) ([]EncodedEnvelope, error) {
	rows, err := s.db.Query(`SELECT seq, ts_us, event_type, payload_ct, payload_nonce, meta
		FROM events WHERE session_id = ? ORDER BY seq ASC`, sessionID[:])
	if err != nil {
		return nil, errs.Wrap(errs.KindIO, "load_session_envelopes", "query events", err)
	}
	defer rows.Close()

	var out []EncodedEnvelope
	for rows.Next() {
		var seq uint64
		var tsUs int64
		var kind uint16
		var ct, nonceB, meta []byte
		if err := rows.Scan(&seq, &tsUs, &kind, &ct, &nonceB, &meta); err != nil {
			return nil, errs.Wrap(errs.KindIO, "load_session_envelopes", "scan row", err)
		}
		var nonce [24]byte
		copy(nonce[:], nonceB)

		plaintext, err := decryptEnvelope(sessionKey, sessionID, seq, domain.EventKind(kind), tsUs, meta, ct, nonce)
		if err != nil {
			return nil, err
		}
		out = append(out, EncodedEnvelope{
			Envelope: domain.Envelope{SessionID: sessionID, Seq: seq, TsUs: tsUs, Kind: domain.EventKind(kind), Meta: meta},
			Payload:  plaintext,
		})
	}
	return out, rows.Err()
}

// UpsertTraumaEntry persists one trauma registry entry. The runtime
// rehydrates the registry from this table on startup but does not call
// UpsertTraumaEntry itself. Crypto-shredding a session does not
// remove trauma entries; they are keyed by context signature, not session.
func (s *Store) UpsertTraumaEntry(hit domain.TraumaHit) error {
	_, err := s.db.Exec(`INSERT INTO trauma_registry
		(sig_hash, severity_ema, count, last_ts_us, decay_rate, inhibit_until_ts_us)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(sig_hash) DO UPDATE SET
			severity_ema = excluded.severity_ema,
			count = excluded.count,
			last_ts_us = excluded.last_ts_us,
			decay_rate = excluded.decay_rate,
			inhibit_until_ts_us = excluded.inhibit_until_ts_us`,
		hit.SignatureHash[:], hit.SeverityEMA, hit.Count, hit.LastTsUs, hit.DecayRate, hit.InhibitUntilTsUs)
	if err != nil {
		return errs.Wrap(errs.KindIO, "upsert_trauma_entry", "upsert trauma_registry", err)
	}
	return nil
}

// LoadTraumaEntries returns every persisted trauma entry, used to rehydrate
// the in-memory registry on startup.
func (s *Store) LoadTraumaEntries() ([]domain.TraumaHit, error) {
	rows, err := s.db.Query(`SELECT sig_hash, severity_ema, count, last_ts_us, decay_rate, inhibit_until_ts_us FROM trauma_registry`)
	if err != nil {
		return nil, errs.Wrap(errs.KindIO, "load_trauma_entries", "query trauma_registry", err)
	}
	defer rows.Close()

	var out []domain.TraumaHit
	for rows.Next() {
		var sigB []byte
		var hit domain.TraumaHit
		if err := rows.Scan(&sigB, &hit.SeverityEMA, &hit.Count, &hit.LastTsUs, &hit.DecayRate, &hit.InhibitUntilTsUs); err != nil {
			return nil, errs.Wrap(errs.KindIO, "load_trauma_entries", "scan row", err)
		}
		copy(hit.SignatureHash[:], sigB)
		out = append(out, hit)
	}
	return out, rows.Err()
}
