package db

import (
	"database/sql"
	"fmt"
	"time"
)

// Account is a linked provider account whose vehicles are streamed.
type Account struct {
	ID         int64      `json:"id"`
	Name       string     `json:"name"`
	APIToken   string     `json:"-"`
	Active     bool       `json:"active"`
	LastSyncAt *time.Time `json:"last_sync_at,omitempty"`
	SyncError  *string    `json:"sync_error,omitempty"`
}

// Vehicle is one vehicle under an account. ProviderID is the provider's
// identifier used on the wire; ID is ours.
type Vehicle struct {
	ID         int64    `json:"id"`
	AccountID  int64    `json:"account_id"`
	ProviderID string   `json:"provider_id"`
	Name       string   `json:"name"`
	Model      string   `json:"model"`
	Active     bool     `json:"active"`
	PackKwh    *float64 `json:"pack_kwh,omitempty"`
	ImageURL   *string  `json:"image_url,omitempty"`
}

// UserLocation is a saved location for an account, used for the
// home-charging flag.
type UserLocation struct {
	ID           int64    `json:"id"`
	AccountID    int64    `json:"account_id"`
	Name         string   `json:"name"`
	Latitude     float64  `json:"latitude"`
	Longitude    float64  `json:"longitude"`
	RadiusMeters *float64 `json:"radius_m,omitempty"`
}

// CreateAccount inserts an account and fills in its ID.
func (db *DB) CreateAccount(a *Account) error {
	active := 0
	if a.Active {
		active = 1
	}
	res, err := db.Exec(
		`INSERT INTO accounts (name, api_token, active) VALUES (?, ?, ?)`,
		a.Name, a.APIToken, active,
	)
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert ID: %w", err)
	}
	a.ID = id
	return nil
}

// ActiveAccounts returns accounts that are active, carry credentials and
// have at least one active vehicle. This is the set the connection
// manager reconciles against.
func (db *DB) ActiveAccounts() ([]*Account, error) {
	rows, err := db.Query(`
		SELECT DISTINCT a.account_id, a.name, a.api_token, a.active,
		       a.last_sync_unix, a.sync_error
		FROM accounts a
		JOIN vehicles v ON v.account_id = a.account_id AND v.active = 1
		WHERE a.active = 1 AND a.api_token != ''
		ORDER BY a.account_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query active accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// GetAccount returns an account by ID, or nil when it does not exist.
func (db *DB) GetAccount(id int64) (*Account, error) {
	row := db.QueryRow(
		`SELECT account_id, name, api_token, active, last_sync_unix, sync_error
		 FROM accounts WHERE account_id = ?`, id)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAccount(row rowScanner) (*Account, error) {
	var a Account
	var active int
	var lastSync sql.NullFloat64
	var syncError sql.NullString
	if err := row.Scan(&a.ID, &a.Name, &a.APIToken, &active, &lastSync, &syncError); err != nil {
		return nil, err
	}
	a.Active = active != 0
	if lastSync.Valid {
		t := unixToTime(lastSync.Float64)
		a.LastSyncAt = &t
	}
	if syncError.Valid {
		a.SyncError = &syncError.String
	}
	return &a, nil
}

// UpdateAccountSync records a successful sync for an account and clears
// any previous sync error.
func (db *DB) UpdateAccountSync(accountID int64, at time.Time) error {
	_, err := db.Exec(
		`UPDATE accounts SET last_sync_unix = ?, sync_error = NULL,
		 updated_at = UNIXEPOCH('subsec') WHERE account_id = ?`,
		timeToUnix(at), accountID,
	)
	if err != nil {
		return fmt.Errorf("failed to update account sync: %w", err)
	}
	return nil
}

// SetAccountSyncError records a sync error string against an account.
func (db *DB) SetAccountSyncError(accountID int64, msg string) error {
	_, err := db.Exec(
		`UPDATE accounts SET sync_error = ?, updated_at = UNIXEPOCH('subsec')
		 WHERE account_id = ?`,
		msg, accountID,
	)
	if err != nil {
		return fmt.Errorf("failed to set account sync error: %w", err)
	}
	return nil
}

// CreateVehicle inserts a vehicle and fills in its ID.
func (db *DB) CreateVehicle(v *Vehicle) error {
	active := 0
	if v.Active {
		active = 1
	}
	res, err := db.Exec(
		`INSERT INTO vehicles (account_id, provider_id, name, model, active, pack_kwh, image_url)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		v.AccountID, v.ProviderID, v.Name, v.Model, active, v.PackKwh, v.ImageURL,
	)
	if err != nil {
		return fmt.Errorf("failed to create vehicle: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert ID: %w", err)
	}
	v.ID = id
	return nil
}

// ActiveVehicles returns the active vehicles for an account.
func (db *DB) ActiveVehicles(accountID int64) ([]*Vehicle, error) {
	rows, err := db.Query(
		`SELECT vehicle_id, account_id, provider_id, name, model, active, pack_kwh, image_url
		 FROM vehicles WHERE account_id = ? AND active = 1 ORDER BY vehicle_id`,
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query vehicles: %w", err)
	}
	defer rows.Close()

	var vehicles []*Vehicle
	for rows.Next() {
		var v Vehicle
		var active int
		var packKwh sql.NullFloat64
		var imageURL sql.NullString
		if err := rows.Scan(&v.ID, &v.AccountID, &v.ProviderID, &v.Name, &v.Model,
			&active, &packKwh, &imageURL); err != nil {
			return nil, err
		}
		v.Active = active != 0
		if packKwh.Valid {
			v.PackKwh = &packKwh.Float64
		}
		if imageURL.Valid {
			v.ImageURL = &imageURL.String
		}
		vehicles = append(vehicles, &v)
	}
	return vehicles, rows.Err()
}

// GetVehicle returns a vehicle by ID, or nil when it does not exist.
func (db *DB) GetVehicle(id int64) (*Vehicle, error) {
	var v Vehicle
	var active int
	var packKwh sql.NullFloat64
	var imageURL sql.NullString
	err := db.QueryRow(
		`SELECT vehicle_id, account_id, provider_id, name, model, active, pack_kwh, image_url
		 FROM vehicles WHERE vehicle_id = ?`, id,
	).Scan(&v.ID, &v.AccountID, &v.ProviderID, &v.Name, &v.Model, &active, &packKwh, &imageURL)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load vehicle: %w", err)
	}
	v.Active = active != 0
	if packKwh.Valid {
		v.PackKwh = &packKwh.Float64
	}
	if imageURL.Valid {
		v.ImageURL = &imageURL.String
	}
	return &v, nil
}

// UpdateVehicleImage stores a fetched image URL against a vehicle.
func (db *DB) UpdateVehicleImage(vehicleID int64, url string) error {
	_, err := db.Exec(`UPDATE vehicles SET image_url = ? WHERE vehicle_id = ?`, url, vehicleID)
	if err != nil {
		return fmt.Errorf("failed to update vehicle image: %w", err)
	}
	return nil
}

// CreateUserLocation inserts a saved location and fills in its ID.
func (db *DB) CreateUserLocation(l *UserLocation) error {
	res, err := db.Exec(
		`INSERT INTO user_locations (account_id, name, latitude, longitude, radius_m)
		 VALUES (?, ?, ?, ?, ?)`,
		l.AccountID, l.Name, l.Latitude, l.Longitude, l.RadiusMeters,
	)
	if err != nil {
		return fmt.Errorf("failed to create user location: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert ID: %w", err)
	}
	l.ID = id
	return nil
}

// UserLocations returns all saved locations for an account.
func (db *DB) UserLocations(accountID int64) ([]*UserLocation, error) {
	rows, err := db.Query(
		`SELECT location_id, account_id, name, latitude, longitude, radius_m
		 FROM user_locations WHERE account_id = ? ORDER BY location_id`,
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query user locations: %w", err)
	}
	defer rows.Close()

	var locations []*UserLocation
	for rows.Next() {
		var l UserLocation
		var radius sql.NullFloat64
		if err := rows.Scan(&l.ID, &l.AccountID, &l.Name, &l.Latitude, &l.Longitude, &radius); err != nil {
			return nil, err
		}
		if radius.Valid {
			l.RadiusMeters = &radius.Float64
		}
		locations = append(locations, &l)
	}
	return locations, rows.Err()
}
