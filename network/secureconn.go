package network

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"kdeconnect-service/crypto"
)

const (
	maxRecordPlaintext = 64 * 1024
	recordHeaderSize   = 4
)

// ErrRecordTooLarge indicates an encrypted record over the allowed size.
var ErrRecordTooLarge = errors.New("network: encrypted record exceeds max size")

// SecureConn encrypts a byte stream into length-prefixed AES-GCM records.
// Reads and writes may run concurrently with each other.
type SecureConn struct {
	conn net.Conn

	writeMu sync.Mutex
	sealer  *crypto.RecordCipher

	readMu  sync.Mutex
	opener  *crypto.RecordCipher
	pending []byte
}

func newSecureConn(conn net.Conn, sendKey, receiveKey []byte) (*SecureConn, error) {
	sealer, err := crypto.NewRecordCipher(sendKey)
	if err != nil {
		return nil, err
	}
	opener, err := crypto.NewRecordCipher(receiveKey)
	if err != nil {
		return nil, err
	}
	return &SecureConn{conn: conn, sealer: sealer, opener: opener}, nil
}

// Write seals p into one or more records.
func (s *SecureConn) Write(p []byte) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	written := 0
	for written < len(p) {
		end := written + maxRecordPlaintext
		if end > len(p) {
			end = len(p)
		}
		sealed, err := s.sealer.Seal(p[written:end])
		if err != nil {
			return written, err
		}
		record := make([]byte, recordHeaderSize+len(sealed))
		binary.BigEndian.PutUint32(record, uint32(len(sealed)))
		copy(record[recordHeaderSize:], sealed)
		if _, err := s.conn.Write(record); err != nil {
			return written, fmt.Errorf("write record: %w", err)
		}
		written = end
	}
	return written, nil
}

// Read returns decrypted bytes, reading a new record when the buffer is empty.
func (s *SecureConn) Read(p []byte) (int, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	for len(s.pending) == 0 {
		header := make([]byte, recordHeaderSize)
		if _, err := io.ReadFull(s.conn, header); err != nil {
			return 0, err
		}
		length := binary.BigEndian.Uint32(header)
		if length > uint32(maxRecordPlaintext+s.opener.Overhead()) {
			return 0, ErrRecordTooLarge
		}
		sealed := make([]byte, length)
		if _, err := io.ReadFull(s.conn, sealed); err != nil {
			return 0, fmt.Errorf("read record: %w", err)
		}
		plaintext, err := s.opener.Open(sealed)
		if err != nil {
			return 0, err
		}
		s.pending = plaintext
	}

	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

// Close closes the underlying connection.
func (s *SecureConn) Close() error {
	return s.conn.Close()
}
