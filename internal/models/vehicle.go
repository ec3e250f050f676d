package models

import "time"

// TitleStatus describes the legal condition of a vehicle's title.
type TitleStatus string

const (
	TitleClean   TitleStatus = "CLEAN"
	TitleSalvage TitleStatus = "SALVAGE"
	TitleRebuilt TitleStatus = "REBUILT"
	TitleLien    TitleStatus = "LIEN"
)

// Vehicle is the catalog collaborator's record for a physical vehicle,
// keyed by VIN. The engine only reads it (mileage feeds market snapshots);
// the intake pipeline owns mutation.
type Vehicle struct {
	VIN         string      `bson:"_id" json:"vin"`
	ModelID     int         `bson:"model_id" json:"model_id"`
	MileageKm   int         `bson:"mileage_km" json:"mileage_km"`
	TitleStatus TitleStatus `bson:"title_status" json:"title_status"`
	UpdatedAt   time.Time   `bson:"updated_at" json:"updated_at"`
}
