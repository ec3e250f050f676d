package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"automarket/engine/internal/db"
	"automarket/engine/internal/models"
)

// IVehicleService is the read side of the catalog collaborator. The
// engine never mutates condition attributes; UpsertVehicle exists for the
// intake pipeline and test seeding.
type IVehicleService interface {
	FindByVIN(ctx context.Context, vin string) (*models.Vehicle, error)
	UpsertVehicle(ctx context.Context, vehicle *models.Vehicle) error
}

// vehicleService implements IVehicleService.
type vehicleService struct {
	db *mongo.Database
}

// NewVehicleService creates a new VehicleService.
func NewVehicleService(database *mongo.Database) IVehicleService {
	return &vehicleService{db: database}
}

// FindByVIN looks a vehicle up by its 17-character VIN.
func (s *vehicleService) FindByVIN(ctx context.Context, vin string) (*models.Vehicle, error) {
	if err := models.ValidateVIN(vin); err != nil {
		return nil, &ValidationError{Msg: err.Error()}
	}
	var vehicle models.Vehicle
	err := s.db.Collection(db.VehiclesCollection).FindOne(ctx, bson.M{"_id": vin}).Decode(&vehicle)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, mongo.ErrNoDocuments
		}
		return nil, wrapStoreErr(fmt.Errorf("error finding vehicle by VIN %s: %w", vin, err))
	}
	return &vehicle, nil
}

// UpsertVehicle writes a catalog record keyed by VIN.
func (s *vehicleService) UpsertVehicle(ctx context.Context, vehicle *models.Vehicle) error {
	if err := models.ValidateVIN(vehicle.VIN); err != nil {
		return &ValidationError{Msg: err.Error()}
	}
	vehicle.UpdatedAt = time.Now().UTC()

	filter := bson.M{"_id": vehicle.VIN}
	update := bson.M{"$set": bson.M{
		"model_id":     vehicle.ModelID,
		"mileage_km":   vehicle.MileageKm,
		"title_status": vehicle.TitleStatus,
		"updated_at":   vehicle.UpdatedAt,
	}}
	opts := options.Update().SetUpsert(true)

	_, err := s.db.Collection(db.VehiclesCollection).UpdateOne(ctx, filter, update, opts)
	if err != nil {
		return wrapStoreErr(fmt.Errorf("failed to upsert vehicle %s: %w", vehicle.VIN, err))
	}
	return nil
}
