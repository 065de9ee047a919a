package badger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/nuntius/internal/interfaces"
	"github.com/ternarybob/nuntius/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// PlaceStorage implements gazetteer persistence on badgerhold
type PlaceStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewPlaceStorage creates a new place storage instance
func NewPlaceStorage(db *BadgerDB, logger arbor.ILogger) interfaces.PlaceStorage {
	return &PlaceStorage{
		db:     db,
		logger: logger,
	}
}

// SavePlace inserts or updates one gazetteer entry
func (s *PlaceStorage) SavePlace(ctx context.Context, place *models.Place) error {
	if place.ID == "" {
		return fmt.Errorf("place ID is required")
	}
	if place.IngestedAt.IsZero() {
		place.IngestedAt = time.Now().UTC()
	}
	if err := s.db.Store().Upsert(place.ID, place); err != nil {
		return fmt.Errorf("failed to save place %s: %w", place.ID, err)
	}
	return nil
}

// SavePlaces inserts a batch of entries. The gazetteer ingest task feeds
// records in batches so one bad row fails its batch, not the whole file.
func (s *PlaceStorage) SavePlaces(ctx context.Context, places []*models.Place) error {
	for _, place := range places {
		if err := s.SavePlace(ctx, place); err != nil {
			return err
		}
	}
	return nil
}

// GetPlace retrieves one entry by ID
func (s *PlaceStorage) GetPlace(ctx context.Context, id string) (*models.Place, error) {
	var place models.Place
	err := s.db.Store().Get(id, &place)
	if err == badgerhold.ErrNotFound {
		return nil, interfaces.ErrPlaceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get place %s: %w", id, err)
	}
	return &place, nil
}

// FindPlaces returns entries of a kind, optionally narrowed by country,
// largest population first. Hub guessing walks this list to propose URLs.
func (s *PlaceStorage) FindPlaces(ctx context.Context, kind models.PlaceKind, countryCode string, limit int) ([]*models.Place, error) {
	query := badgerhold.Where("Kind").Eq(kind).Index("Kind")
	if countryCode != "" {
		query = query.And("CountryCode").Eq(countryCode)
	}

	var places []*models.Place
	if err := s.db.Store().Find(&places, query); err != nil {
		return nil, fmt.Errorf("failed to find places: %w", err)
	}

	// badgerhold has no ORDER BY on non-key fields; sort the result set
	sortPlacesByPopulation(places)
	if limit > 0 && len(places) > limit {
		places = places[:limit]
	}
	return places, nil
}

// CountPlaces returns the total number of gazetteer entries
func (s *PlaceStorage) CountPlaces(ctx context.Context) (int, error) {
	count, err := s.db.Store().Count(&models.Place{}, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to count places: %w", err)
	}
	return int(count), nil
}

// Compact reclaims value-log space left behind by a bulk ingest
func (s *PlaceStorage) Compact(ctx context.Context) error {
	if err := s.db.RunGC(); err != nil {
		return err
	}
	s.logger.Debug().Msg("Place store value log compacted")
	return nil
}

// sortPlacesByPopulation orders descending by population, name as tiebreaker
// so results stay deterministic for equal populations.
func sortPlacesByPopulation(places []*models.Place) {
	sort.Slice(places, func(i, j int) bool {
		if places[i].Population != places[j].Population {
			return places[i].Population > places[j].Population
		}
		return places[i].Name < places[j].Name
	})
}
