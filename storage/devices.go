package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const deviceColumns = `device_id, device_name, device_type, public_key, fingerprint,
	paired_at, last_seen, last_address, last_port`

// InsertTrustedDevice stores a newly paired device. An existing row for the
// same id is an error; trust changes go through DeleteTrustedDevice first.
func (s *Store) InsertTrustedDevice(ctx context.Context, d TrustedDevice) error {
	switch {
	case d.DeviceID == "":
		return errors.New("device_id is required")
	case d.PublicKey == "":
		return errors.New("public_key is required")
	case d.Fingerprint == "":
		return errors.New("fingerprint is required")
	}
	if d.DeviceName == "" {
		d.DeviceName = d.DeviceID
	}
	if d.DeviceType == "" {
		d.DeviceType = "desktop"
	}
	if d.PairedAt.IsZero() {
		d.PairedAt = s.now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO trusted_devices (`+deviceColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.DeviceID, d.DeviceName, d.DeviceType, d.PublicKey, d.Fingerprint,
		d.PairedAt.UnixMilli(), millis(d.LastSeen), optional(d.LastAddress),
		sql.NullInt64{Int64: int64(d.LastPort), Valid: d.LastPort > 0},
	)
	if err != nil {
		return fmt.Errorf("insert trusted device %q: %w", d.DeviceID, err)
	}
	return nil
}

// TrustedDevice returns one device or ErrNotFound.
func (s *Store) TrustedDevice(ctx context.Context, deviceID string) (TrustedDevice, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM trusted_devices WHERE device_id = ?`, deviceID)
	d, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return TrustedDevice{}, ErrNotFound
	}
	if err != nil {
		return TrustedDevice{}, fmt.Errorf("get trusted device %q: %w", deviceID, err)
	}
	return d, nil
}

// TrustedDevices returns every trusted device ordered by name.
func (s *Store) TrustedDevices(ctx context.Context) ([]TrustedDevice, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deviceColumns+` FROM trusted_devices ORDER BY device_name, device_id`)
	if err != nil {
		return nil, fmt.Errorf("list trusted devices: %w", err)
	}
	defer rows.Close()

	var out []TrustedDevice
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trusted device: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// DeleteTrustedDevice forgets a device. ErrNotFound if it was not trusted.
func (s *Store) DeleteTrustedDevice(ctx context.Context, deviceID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM trusted_devices WHERE device_id = ?`, deviceID)
	if err != nil {
		return fmt.Errorf("delete trusted device %q: %w", deviceID, err)
	}
	return oneRow(res)
}

// TouchTrustedDevice records where and when a trusted device was last seen.
func (s *Store) TouchTrustedDevice(ctx context.Context, deviceID, address string, port int, seen time.Time) error {
	if strings.TrimSpace(address) == "" || port <= 0 {
		return fmt.Errorf("invalid endpoint %q:%d", address, port)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE trusted_devices
		SET last_address = ?, last_port = ?, last_seen = COALESCE(?, last_seen)
		WHERE device_id = ?`,
		address, port, millis(seen), deviceID)
	if err != nil {
		return fmt.Errorf("touch trusted device %q: %w", deviceID, err)
	}
	return oneRow(res)
}

// RenameTrustedDevice refreshes the display name and type a device reports.
func (s *Store) RenameTrustedDevice(ctx context.Context, deviceID, name, deviceType string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("device_name is required")
	}
	if deviceType == "" {
		deviceType = "desktop"
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE trusted_devices SET device_name = ?, device_type = ? WHERE device_id = ?`,
		name, deviceType, deviceID)
	if err != nil {
		return fmt.Errorf("rename trusted device %q: %w", deviceID, err)
	}
	return oneRow(res)
}

func oneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanDevice(row scanner) (TrustedDevice, error) {
	var (
		d        TrustedDevice
		pairedAt int64
		lastSeen sql.NullInt64
		address  sql.NullString
		port     sql.NullInt64
	)
	err := row.Scan(&d.DeviceID, &d.DeviceName, &d.DeviceType, &d.PublicKey, &d.Fingerprint,
		&pairedAt, &lastSeen, &address, &port)
	if err != nil {
		return TrustedDevice{}, err
	}
	d.PairedAt = time.UnixMilli(pairedAt)
	d.LastSeen = fromMillis(lastSeen)
	d.LastAddress = address.String
	d.LastPort = int(port.Int64)
	return d, nil
}
