package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/openclaw/device-gateway/internal/database"
	"github.com/openclaw/device-gateway/internal/model"
)

const deviceColumns = `
	id, COALESCE(device_name, '') AS device_name, status, connection_method,
	phone_for_pairing, phone_number, qr_code, pairing_code, session_data,
	error_message, updated_at
`

type DeviceRepository interface {
	FindByID(ctx context.Context, id string) (*model.Device, error)
	FindByStatuses(ctx context.Context, statuses []model.DeviceStatus) ([]model.Device, error)
	// Update applies a partial update. updated_at only advances when the
	// status is written, so code refreshes do not reset the stuck timer.
	Update(ctx context.Context, id string, update model.DeviceUpdate) error
}

type deviceRepo struct {
	db database.DBTX
}

func NewDeviceRepository(db *sqlx.DB) DeviceRepository {
	return &deviceRepo{db: db}
}

func (r *deviceRepo) FindByID(ctx context.Context, id string) (*model.Device, error) {
	var device model.Device
	err := r.db.GetContext(ctx, &device, `SELECT `+deviceColumns+` FROM devices WHERE id = $1`, id)
	return HandleNotFound(&device, err)
}

func (r *deviceRepo) FindByStatuses(ctx context.Context, statuses []model.DeviceStatus) ([]model.Device, error) {
	values := make([]string, len(statuses))
	for i, s := range statuses {
		values[i] = string(s)
	}

	var devices []model.Device
	err := r.db.SelectContext(ctx, &devices, `
		SELECT `+deviceColumns+` FROM devices
		WHERE status = ANY($1)
		ORDER BY updated_at ASC
	`, pq.Array(values))
	if err != nil {
		return nil, err
	}
	return devices, nil
}

func (r *deviceRepo) Update(ctx context.Context, id string, update model.DeviceUpdate) error {
	sets := make([]string, 0, 7)
	args := []any{id}

	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	addNullable := func(column string, value *string) {
		if value == nil {
			return
		}
		if *value == "" {
			sets = append(sets, column+" = NULL")
			return
		}
		add(column, *value)
	}

	if update.Status != nil {
		add("status", string(*update.Status))
		sets = append(sets, "updated_at = NOW()")
	}
	addNullable("phone_number", update.PhoneNumber)
	addNullable("qr_code", update.QRCode)
	addNullable("pairing_code", update.PairingCode)
	addNullable("session_data", update.SessionData)
	addNullable("error_message", update.ErrorMessage)

	if len(sets) == 0 {
		return nil
	}

	_, err := r.db.ExecContext(ctx,
		`UPDATE devices SET `+strings.Join(sets, ", ")+` WHERE id = $1`,
		args...,
	)
	return err
}
