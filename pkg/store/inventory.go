package store

import (
	"context"
	"time"

	"gorm.io/gorm/clause"
)

const inventoryBatchSize = 200

// ReconcileCounts summarises one reconciliation pass.
type ReconcileCounts struct {
	Present     int   `json:"present"`
	Deactivated int64 `json:"deactivated"`
}

type inventoryTable struct {
	model      interface{}
	nameColumn string
	flagColumn string
}

var (
	servicesTable = inventoryTable{model: &DeviceService{}, nameColumn: "service_name", flagColumn: "is_active"}
	softwareTable = inventoryTable{model: &DeviceSoftware{}, nameColumn: "software_name", flagColumn: "is_installed"}
)

// ReconcileServices makes names the exact set of active services for the
// device. names must already be de-duplicated.
func (s *Store) ReconcileServices(ctx context.Context, deviceID uint, names []string, now time.Time) (ReconcileCounts, error) {
	rows := make([]DeviceService, 0, len(names))
	for _, name := range names {
		rows = append(rows, DeviceService{DeviceID: deviceID, ServiceName: name, FirstSeen: now, LastSeen: now, IsActive: true})
	}
	return s.reconcile(ctx, servicesTable, &rows, deviceID, names, now)
}

// ReconcileSoftware makes names the exact set of installed software for the device.
func (s *Store) ReconcileSoftware(ctx context.Context, deviceID uint, names []string, now time.Time) (ReconcileCounts, error) {
	rows := make([]DeviceSoftware, 0, len(names))
	for _, name := range names {
		rows = append(rows, DeviceSoftware{DeviceID: deviceID, SoftwareName: name, FirstSeen: now, LastSeen: now, IsInstalled: true})
	}
	return s.reconcile(ctx, softwareTable, &rows, deviceID, names, now)
}

// reconcile upserts every reported name as present and flips every other
// present row of the device to absent. Rows are never deleted.
func (s *Store) reconcile(ctx context.Context, tbl inventoryTable, rows interface{}, deviceID uint, names []string, now time.Time) (ReconcileCounts, error) {
	counts := ReconcileCounts{Present: len(names)}
	db := s.conn(ctx)

	if len(names) > 0 {
		err := db.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "device_id"}, {Name: tbl.nameColumn}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				tbl.flagColumn: true,
				"last_seen":    now,
			}),
		}).CreateInBatches(rows, inventoryBatchSize).Error
		if err != nil {
			return counts, err
		}
	}

	sweep := db.Model(tbl.model).Where("device_id = ? AND "+tbl.flagColumn+" = ?", deviceID, true)
	if len(names) > 0 {
		sweep = sweep.Where(tbl.nameColumn+" NOT IN ?", names)
	}
	result := sweep.Update(tbl.flagColumn, false)
	if result.Error != nil {
		return counts, result.Error
	}
	counts.Deactivated = result.RowsAffected
	return counts, nil
}

func (s *Store) ServicesForDevice(ctx context.Context, deviceID uint) ([]DeviceService, error) {
	var services []DeviceService
	if err := s.conn(ctx).Where("device_id = ?", deviceID).Order("service_name").Find(&services).Error; err != nil {
		return nil, err
	}
	return services, nil
}

func (s *Store) SoftwareForDevice(ctx context.Context, deviceID uint) ([]DeviceSoftware, error) {
	var software []DeviceSoftware
	if err := s.conn(ctx).Where("device_id = ?", deviceID).Order("software_name").Find(&software).Error; err != nil {
		return nil, err
	}
	return software, nil
}

// InventoryCounts returns the number of active services and installed software.
func (s *Store) InventoryCounts(ctx context.Context, deviceID uint) (services, software int64, err error) {
	db := s.conn(ctx)
	if err = db.Model(&DeviceService{}).Where("device_id = ? AND is_active = ?", deviceID, true).Count(&services).Error; err != nil {
		return 0, 0, err
	}
	if err = db.Model(&DeviceSoftware{}).Where("device_id = ? AND is_installed = ?", deviceID, true).Count(&software).Error; err != nil {
		return 0, 0, err
	}
	return services, software, nil
}
