package models

import "time"

// Reading is a normalized sensor reading still keyed by the botanist's e-mail.
type Reading struct {
	Email        string
	SoilMoisture float64
	Temperature  float64
	Timestamp    time.Time
	PlantID      int
	LastWatered  time.Time
}

// ResolvedReading is a Reading whose botanist e-mail has been replaced by the
// botanist's surrogate id. It is the shape inserted into the reading table.
type ResolvedReading struct {
	SoilMoisture float64
	Temperature  float64
	Timestamp    time.Time
	PlantID      int
	LastWatered  time.Time
	BotanistID   int
}

// Resolve attaches a botanist id, dropping the e-mail.
func (r Reading) Resolve(botanistID int) ResolvedReading {
	return ResolvedReading{
		SoilMoisture: r.SoilMoisture,
		Temperature:  r.Temperature,
		Timestamp:    r.Timestamp,
		PlantID:      r.PlantID,
		LastWatered:  r.LastWatered,
		BotanistID:   botanistID,
	}
}

// ReadingColumns lists the reading table columns in insert order.
var ReadingColumns = []string{"soil_moisture", "temperature", "timestamp", "plant_id", "last_watered", "botanist_id"}

// Values returns the row in ReadingColumns order.
func (r ResolvedReading) Values() []any {
	return []any{r.SoilMoisture, r.Temperature, r.Timestamp, r.PlantID, r.LastWatered, r.BotanistID}
}
