package backup

import (
	"context"
	"errors"
	"strconv"

	"golang.org/x/sync/singleflight"

	"github.com/backapp/backapp/internal/models"
	"github.com/backapp/backapp/internal/store"
)

// UsageService reports capacity and backup totals per storage location.
// Concurrent requests for the same location share one measurement.
type UsageService struct {
	store   *store.Store
	factory DestinationFactory
	group   singleflight.Group
}

// NewUsageService creates a usage service
func NewUsageService(st *store.Store, factory DestinationFactory) *UsageService {
	return &UsageService{store: st, factory: factory}
}

// LocationUsage measures one location. A backend that cannot be reached or
// cannot report capacity still yields backup totals, with Error set or
// CapacityKnown false.
func (u *UsageService) LocationUsage(ctx context.Context, locationID int64) (*models.StorageUsage, error) {
	v, err, _ := u.group.Do(strconv.FormatInt(locationID, 10), func() (any, error) {
		return u.measure(ctx, locationID)
	})
	if err != nil {
		return nil, err
	}
	usage := *v.(*models.StorageUsage)
	return &usage, nil
}

// AllUsage measures every storage location
func (u *UsageService) AllUsage(ctx context.Context) ([]models.StorageUsage, error) {
	locations, err := u.store.ListStorageLocations()
	if err != nil {
		return nil, err
	}
	usages := make([]models.StorageUsage, 0, len(locations))
	for _, loc := range locations {
		usage, err := u.LocationUsage(ctx, loc.ID)
		if err != nil {
			return nil, err
		}
		usages = append(usages, *usage)
	}
	return usages, nil
}

// connectionCheckName is a name no artifact uses, so a Stat on it only shows
// that the backend answers
const connectionCheckName = ".backapp-connection-test"

// TestConnection opens loc and checks that its backend answers. Capacity
// is returned when the backend reports it, else nil.
func (u *UsageService) TestConnection(ctx context.Context, loc models.StorageLocation) (*Capacity, error) {
	dest, err := u.factory.Open(ctx, loc)
	if err != nil {
		return nil, err
	}
	defer dest.Close()

	if _, err := dest.Stat(ctx, connectionCheckName); err != nil && !errors.Is(err, ErrObjectNotFound) {
		return nil, err
	}
	capacity, err := dest.Usage(ctx)
	if errors.Is(err, ErrUsageUnsupported) {
		return nil, nil
	}
	return capacity, err
}

func (u *UsageService) measure(ctx context.Context, locationID int64) (*models.StorageUsage, error) {
	loc, err := u.store.GetStorageLocation(locationID)
	if err != nil {
		return nil, err
	}
	usage := &models.StorageUsage{
		StorageLocationID: loc.ID,
		Name:              loc.Name,
		Type:              loc.Type,
		Enabled:           loc.Enabled,
	}
	if usage.BackupCount, usage.BackupSizeBytes, err = u.store.StorageBackupTotals(loc.ID); err != nil {
		return nil, err
	}

	dest, err := u.factory.Open(ctx, *loc)
	if err != nil {
		usage.Error = err.Error()
		return usage, nil
	}
	defer dest.Close()

	capacity, err := dest.Usage(ctx)
	if err != nil {
		if !errors.Is(err, ErrUsageUnsupported) {
			usage.Error = err.Error()
		}
		return usage, nil
	}

	usage.CapacityKnown = true
	usage.TotalBytes = capacity.Total
	usage.UsedBytes = capacity.Used
	usage.FreeBytes = capacity.Free
	if capacity.Total > 0 {
		usage.FreePercent = capacity.FreePercent()
		usage.UsedPercent = 100 - usage.FreePercent
	}
	return usage, nil
}
